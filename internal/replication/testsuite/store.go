package testsuite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/snowflk/erpmirror/internal/replication"
)

// Publish makes the snapshot current with its tables and metadata
func (s *storeTestSuite) TestStore_PublishCurrent() {
	s.Assert().Nil(s.store.Current(), "Store should start empty")

	snap, err := s.store.Publish(context.Background(), cycleExtraction(1, 3))
	s.Require().NoError(err)
	s.Assert().Equal(snap, s.store.Current())
	s.Assert().Equal("v1", snap.Token)
	s.Assert().NotEmpty(snap.ID)
	s.Require().Len(snap.Tables, 2)
	s.Assert().Equal("PCCLIENT", snap.Tables[0].Name)
	s.Assert().Equal(3, snap.Tables[0].Rows)

	held, err := s.store.Acquire()
	s.Require().NoError(err)
	defer held.Release()
	var n int
	s.Require().NoError(held.DB().QueryRow(`SELECT COUNT(*) FROM PCMOV WHERE CYCLE = 1`).Scan(&n))
	s.Assert().Equal(3, n)

	next, err := s.store.Publish(context.Background(), cycleExtraction(2, 5))
	s.Require().NoError(err)
	s.Assert().Greater(next.Seq, snap.Seq, "Sequence must increase with every publish")
	s.Assert().Equal(next, s.store.Current())
}

func (s *storeTestSuite) TestStore_AcquireBeforePublish() {
	_, err := s.store.Acquire()
	s.Assert().Equal(replication.ErrNoSnapshot, err)
}

// A failed publish leaves the previous snapshot current and fully readable
func (s *storeTestSuite) TestStore_FailedPublishKeepsPrevious() {
	first, err := s.store.Publish(context.Background(), cycleExtraction(1, 3))
	s.Require().NoError(err)

	_, err = s.store.Publish(context.Background(), replication.NewExtraction(first.CreatedAt))
	s.Assert().True(replication.IsPublishError(err), "Empty extraction must be rejected")

	broken := cycleExtraction(2, 3)
	broken.Tables["PCMOV"].Columns = nil
	_, err = s.store.Publish(context.Background(), broken)
	s.Assert().True(replication.IsPublishError(err), "Unwritable table must fail the publish")

	s.Assert().Equal(first, s.store.Current())
	held, err := s.store.Acquire()
	s.Require().NoError(err)
	defer held.Release()
	var n int
	s.Require().NoError(held.DB().QueryRow(`SELECT COUNT(*) FROM PCCLIENT`).Scan(&n))
	s.Assert().Equal(3, n)

	// Nothing of the failed attempts leaks into the next sequence number
	next, err := s.store.Publish(context.Background(), cycleExtraction(3, 1))
	s.Require().NoError(err)
	s.Assert().Equal(first.Seq+1, next.Seq)
}

// A replaced snapshot stays queryable for the reader holding it,
// and is reclaimed once released
func (s *storeTestSuite) TestStore_ReclaimAfterRelease() {
	_, err := s.store.Publish(context.Background(), cycleExtraction(1, 2))
	s.Require().NoError(err)
	held, err := s.store.Acquire()
	s.Require().NoError(err)

	_, err = s.store.Publish(context.Background(), cycleExtraction(2, 2))
	s.Require().NoError(err)
	s.Assert().True(held.Retired())

	var cycle int
	s.Require().NoError(held.DB().QueryRow(`SELECT MAX(CYCLE) FROM PCCLIENT`).Scan(&cycle))
	s.Assert().Equal(1, cycle, "Held snapshot must keep serving its own data")

	held.Release()
	s.Assert().NoError(held.ReclaimErr())
	s.Assert().Error(held.DB().Ping(), "Reclaimed snapshot must not be usable")
}

// Readers running while snapshots are published never see tables of two
// different cycles, nor a snapshot that is being reclaimed
func (s *storeTestSuite) TestStore_ConcurrentReadersSeeWholeSnapshots() {
	nPublish := 30
	nReaders := 4

	_, err := s.store.Publish(context.Background(), cycleExtraction(0, 10))
	s.Require().NoError(err)

	var wg sync.WaitGroup
	var stop atomic.Bool
	var reads int64
	errs := make(chan error, nReaders)
	for r := 0; r < nReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if err := s.readWholeSnapshot(); err != nil {
					errs <- err
					return
				}
				atomic.AddInt64(&reads, 1)
			}
		}()
	}

	for i := 1; i <= nPublish; i++ {
		_, err := s.store.Publish(context.Background(), cycleExtraction(i, 10))
		s.Require().NoError(err)
	}
	stop.Store(true)
	wg.Wait()
	close(errs)

	for err := range errs {
		s.T().Error(err)
	}
	s.Assert().Greater(atomic.LoadInt64(&reads), int64(0))
	s.Assert().Equal(fmt.Sprintf("v%d", nPublish), s.store.Current().Token)
}

func (s *storeTestSuite) readWholeSnapshot() error {
	snap, err := s.store.Acquire()
	if err != nil {
		return err
	}
	defer snap.Release()

	var want int
	if _, err := fmt.Sscanf(snap.Token, "v%d", &want); err != nil {
		return err
	}
	for _, table := range []string{"PCCLIENT", "PCMOV"} {
		var rows, minCycle, maxCycle int
		q := fmt.Sprintf(`SELECT COUNT(*), MIN(CYCLE), MAX(CYCLE) FROM %s`, table)
		if err := snap.DB().QueryRow(q).Scan(&rows, &minCycle, &maxCycle); err != nil {
			return errors.Wrapf(err, "snapshot %d", snap.Seq)
		}
		if rows != 10 || minCycle != want || maxCycle != want {
			return errors.Errorf("snapshot %d table %s: %d rows of cycles %d..%d, want cycle %d",
				snap.Seq, table, rows, minCycle, maxCycle, want)
		}
	}
	return nil
}
