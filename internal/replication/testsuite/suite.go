package testsuite

import (
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/stretchr/testify/suite"
)

type storeTestSuite struct {
	suite.Suite
	store    replication.Store
	provider StoreProvider
}

// StoreProvider returns a fresh, empty store for every test.
type StoreProvider func() replication.Store

func NewTestSuite(provider StoreProvider) *storeTestSuite {
	return &storeTestSuite{
		provider: provider,
	}
}

func (s *storeTestSuite) SetupTest() {
	s.store = s.provider()
}

func (s *storeTestSuite) TearDownTest() {
	defer s.store.Close()
	log.Debug("Tear down")
}
