// Package detect implements the freshness probes deciding whether a cycle
// has to extract at all.
//
// A probe never fails a cycle: when the upstream cannot be probed the
// detector reports a change so the cycle falls through to a full extraction.
package detect

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
)

// Always reports every probe as a change. It is used when the upstream
// offers no cheap way to tell whether it changed.
type Always struct{}

var _ replication.Detector = Always{}

func (Always) Probe(ctx context.Context, previous string) (bool, string) {
	return true, ""
}

// compare applies the common rules to a probed token.
// An empty token cannot prove anything and always counts as a change.
func compare(logger log.FieldLogger, previous, token string, err error) (bool, string) {
	if err != nil {
		logger.WithError(&replication.ProbeError{Err: err}).Warn("probe failed, assuming upstream changed")
		return true, ""
	}
	if token == "" {
		logger.Debug("upstream offers no freshness token")
		return true, ""
	}
	changed := token != previous
	logger.WithFields(log.Fields{"token": token, "previous": previous, "changed": changed}).Debug("upstream probed")
	return changed, token
}
