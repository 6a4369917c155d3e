// Package memstore keeps every snapshot in its own in-memory SQLite database.
// Nothing survives a restart; it serves tests and deployments that do not need
// an on-disk copy.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
)

type Options struct {
	// Specs orders the tables of a snapshot, see sqlitestore.Options.
	Specs  []replication.TableSpec
	Logger log.FieldLogger
	Now    func() time.Time
}

type Store struct {
	opts    Options
	log     log.FieldLogger
	pointer replication.Pointer

	mu     sync.Mutex
	seq    uint64
	closed bool
}

var _ replication.Store = (*Store)(nil)

func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts: opts,
		log:  opts.Logger.WithField("store", "memory"),
	}
}

func (s *Store) Current() *replication.Snapshot {
	return s.pointer.Load()
}

func (s *Store) Acquire() (*replication.Snapshot, error) {
	return s.pointer.Acquire()
}

func (s *Store) Publish(ctx context.Context, ext *replication.Extraction) (*replication.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, replication.ErrStoreClosed
	}
	if ext == nil || len(ext.Tables) == 0 {
		return nil, &replication.PublishError{Err: replication.ErrExtractionEmpty}
	}
	specs := replication.SpecsFor(ext, s.opts.Specs)
	if !ext.Covers(specs) {
		return nil, &replication.PublishError{Err: replication.ErrExtractionIncomplete}
	}

	id := uuid.New().String()
	meta := replication.NewMeta(id, s.seq+1, s.opts.Now(), ext, specs)
	snap, err := s.build(ctx, meta, ext)
	if err != nil {
		return nil, &replication.PublishError{Snapshot: id, Err: err}
	}

	prev := s.pointer.Swap(snap)
	s.seq = meta.Seq
	entry := s.log.WithFields(log.Fields{"snapshot": id, "seq": meta.Seq, "tables": len(meta.Tables)})
	if prev != nil {
		entry = entry.WithField("replaced", prev.ID)
	}
	entry.Info("snapshot published")
	return snap, nil
}

// build fills a fresh named in-memory database. The database lives as long
// as one connection to it is open, so the writer connection stays pinned
// until the snapshot is reclaimed.
func (s *Store) build(ctx context.Context, meta replication.Meta, ext *replication.Extraction) (*replication.Snapshot, error) {
	dsn := fmt.Sprintf("file:erpmirror-%s?mode=memory&cache=shared", meta.ID)
	writer, err := sql.Open(sqlite.DriverName, dsn)
	if err != nil {
		return nil, err
	}
	pin, err := writer.Conn(ctx)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	release := func() error {
		_ = pin.Close()
		return writer.Close()
	}
	if err := sqlite.Write(ctx, pin, meta, ext); err != nil {
		_ = release()
		return nil, err
	}

	reader, err := sql.Open(sqlite.DriverName, dsn+"&_query_only=true")
	if err == nil {
		err = reader.PingContext(ctx)
	}
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}
		_ = release()
		return nil, err
	}

	logger := s.log.WithField("snapshot", meta.ID)
	return replication.NewSnapshot(meta, reader, func() error {
		readErr := reader.Close()
		if err := release(); err != nil {
			return err
		}
		logger.Debug("snapshot reclaimed")
		return readErr
	}), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Nothing outlives the process, so the current snapshot is reclaimed
	// like any replaced one.
	if cur := s.pointer.Clear(); cur != nil {
		cur.Retire()
	}
	return nil
}
