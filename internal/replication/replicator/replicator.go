// Package replicator runs one replication cycle: probe the upstream, extract
// every table when it changed, publish the result as the new snapshot.
package replicator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/detect"
	"github.com/snowflk/erpmirror/internal/replication/state"
)

type Config struct {
	Specs  []replication.TableSpec
	Source replication.Source
	Store  replication.Store
	// Detector is optional, without one every cycle extracts.
	Detector replication.Detector
	// Recorder is optional and receives the record of every cycle.
	Recorder state.Recorder
	Logger   log.FieldLogger
	Now      func() time.Time
}

type Replicator struct {
	cfg Config
	log log.FieldLogger
}

func New(cfg Config) (*Replicator, error) {
	if err := replication.ValidateSpecs(cfg.Specs); err != nil {
		return nil, err
	}
	if cfg.Source == nil {
		return nil, errors.New("replicator needs a source")
	}
	if cfg.Store == nil {
		return nil, errors.New("replicator needs a snapshot store")
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.Always{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Replicator{cfg: cfg, log: cfg.Logger.WithField("component", "replicator")}, nil
}

// RunCycle performs one cycle. Whatever the outcome, the published snapshot
// stays complete: on error it is the one from the last successful cycle.
// The returned error is only informative, the next cycle is the retry.
func (r *Replicator) RunCycle(ctx context.Context) error {
	rec := state.CycleRecord{StartedAt: r.cfg.Now()}
	err := r.cycle(ctx, &rec)
	rec.FinishedAt = r.cfg.Now()
	if err != nil {
		rec.Outcome = state.OutcomeFailed
		rec.Error = err.Error()
	}
	r.record(rec)
	return err
}

func (r *Replicator) cycle(ctx context.Context, rec *state.CycleRecord) error {
	current := r.cfg.Store.Current()
	previous := ""
	if current != nil {
		previous = current.Token
	}

	changed, token := r.cfg.Detector.Probe(ctx, previous)
	rec.Token = token
	if !changed && current != nil {
		rec.Outcome = state.OutcomeSkipped
		rec.SnapshotID = current.ID
		r.log.WithFields(log.Fields{"token": token, "snapshot": current.ID}).Info("upstream unchanged, keeping snapshot")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ext, err := r.cfg.Source.Extract(ctx, r.cfg.Specs)
	if err != nil {
		entry := r.log.WithError(err)
		var qerr *replication.QueryError
		if errors.As(err, &qerr) {
			entry = entry.WithField("table", qerr.Table)
		}
		entry.Warn("extraction failed, keeping previous snapshot")
		return err
	}
	// The stored token is what the next probe compares against, so the
	// detector's own token wins over the one the source reported.
	if token != "" {
		ext.Token = token
	}
	rec.Token = ext.Token
	rec.Rows = ext.RowCounts()

	snap, err := r.cfg.Store.Publish(ctx, ext)
	if err != nil {
		r.log.WithError(err).Error("publish failed, keeping previous snapshot")
		return err
	}
	rec.Outcome = state.OutcomePublished
	rec.SnapshotID = snap.ID
	r.log.WithFields(log.Fields{
		"snapshot": snap.ID,
		"seq":      snap.Seq,
		"token":    snap.Token,
		"duration": ext.FinishedAt.Sub(ext.StartedAt),
	}).Info("cycle published snapshot")
	return nil
}

func (r *Replicator) record(rec state.CycleRecord) {
	if r.cfg.Recorder == nil {
		return
	}
	if _, err := r.cfg.Recorder.Record(rec); err != nil {
		r.log.WithError(err).Warn("cannot record cycle")
	}
}
