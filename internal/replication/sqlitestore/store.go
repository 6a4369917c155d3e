// Package sqlitestore keeps snapshots as SQLite files on disk.
//
// Layout under Options.Dir:
//
//	staging/<id>.db              snapshot being built, never read
//	generations/<seq>-<id>.db    published snapshots, immutable
//	<PublishedName>              copy of the current generation for external readers
//
// A generation is only renamed into generations/ once it is complete, so the
// newest generation found on disk is always a valid snapshot to recover.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
)

const (
	stagingDir     = "staging"
	generationsDir = "generations"
	fileExt        = ".db"
)

type Options struct {
	// Dir holds the staging and generation directories.
	Dir string
	// PublishedName, when set, is kept pointing at the current generation
	// (e.g. "banco_local.db") for consumers that open the file by path.
	PublishedName string
	// Specs orders the tables of a snapshot. Tables of an extraction that are
	// not declared are ignored. Empty means every extracted table, sorted by name.
	Specs  []replication.TableSpec
	Logger log.FieldLogger
	Now    func() time.Time
}

type Store struct {
	opts    Options
	log     log.FieldLogger
	pointer replication.Pointer

	mu     sync.Mutex // serialises Publish and Close
	seq    uint64
	closed bool
}

var _ replication.Store = (*Store)(nil)

// Open prepares the directory layout, removes leftovers of interrupted
// publishes and recovers the newest complete generation as the current
// snapshot.
func Open(opts Options) (*Store, error) {
	if replication.CheckStringEmpty(opts.Dir) {
		return nil, errors.New("snapshot directory cannot be empty")
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts: opts,
		log:  opts.Logger.WithField("store", "sqlite"),
	}
	for _, dir := range []string{opts.Dir, s.path(stagingDir), s.path(generationsDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}
	if err := s.cleanStaging(); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
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
	logger := s.log.WithFields(log.Fields{"snapshot": id, "seq": meta.Seq})

	final, err := s.build(ctx, meta, ext)
	if err != nil {
		return nil, &replication.PublishError{Snapshot: id, Err: err}
	}
	snap, err := s.open(meta, final)
	if err != nil {
		_ = os.Remove(final)
		return nil, &replication.PublishError{Snapshot: id, Err: err}
	}

	prev := s.pointer.Swap(snap)
	s.seq = meta.Seq
	if prev != nil {
		logger = logger.WithField("replaced", prev.ID)
	}
	logger.WithField("tables", len(meta.Tables)).Info("snapshot published")

	if err := s.refreshPublished(final); err != nil {
		// The snapshot is current either way, only external readers lag behind.
		logger.WithError(err).Error("cannot refresh published file")
	}
	return snap, nil
}

// build writes the snapshot into staging and moves it into generations.
// Nothing is left in staging whatever the outcome.
func (s *Store) build(ctx context.Context, meta replication.Meta, ext *replication.Extraction) (string, error) {
	staging := s.path(stagingDir, meta.ID+fileExt)
	defer removeSQLiteFile(staging)

	db, err := sql.Open(sqlite.DriverName, fmt.Sprintf("file:%s?_journal_mode=OFF&_synchronous=OFF", staging))
	if err != nil {
		return "", err
	}
	db.SetMaxOpenConns(1)
	if err := sqlite.Write(ctx, db, meta, ext); err != nil {
		_ = db.Close()
		return "", err
	}
	if err := db.Close(); err != nil {
		return "", err
	}
	if err := syncFile(staging); err != nil {
		return "", err
	}

	final := s.path(generationsDir, generationName(meta.Seq, meta.ID))
	if err := os.Rename(staging, final); err != nil {
		return "", err
	}
	return final, syncDir(s.path(generationsDir))
}

func (s *Store) open(meta replication.Meta, path string) (*replication.Snapshot, error) {
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	logger := s.log.WithField("snapshot", meta.ID)
	return replication.NewSnapshot(meta, db, func() error {
		closeErr := db.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Warn("cannot remove replaced snapshot")
			return err
		}
		logger.Debug("snapshot reclaimed")
		return closeErr
	}), nil
}

// refreshPublished points the published path at the generation with a
// link (or a copy) under a temporary name followed by a rename, so a
// consumer opening the path always gets a complete file.
func (s *Store) refreshPublished(generation string) error {
	if s.opts.PublishedName == "" {
		return nil
	}
	published := s.path(s.opts.PublishedName)
	tmp := published + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Link(generation, tmp); err != nil {
		if err := copyFile(generation, tmp); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, published); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// PublishedPath is where external consumers find the current snapshot.
// Empty when no published name is configured.
func (s *Store) PublishedPath() string {
	if s.opts.PublishedName == "" {
		return ""
	}
	return s.path(s.opts.PublishedName)
}

// Close releases the handle of the current snapshot. Its file stays on disk
// to be recovered by the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if cur := s.pointer.Clear(); cur != nil {
		return cur.DB().Close()
	}
	return nil
}

func (s *Store) recover() error {
	entries, err := os.ReadDir(s.path(generationsDir))
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			names = append(names, e.Name())
		}
	}
	// zero padded sequence numbers sort lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var recovered *replication.Snapshot
	for _, name := range names {
		path := s.path(generationsDir, name)
		if recovered != nil {
			s.removeStale(path)
			continue
		}
		snap, err := s.recoverFile(path)
		if err != nil {
			s.log.WithError(err).WithField("file", name).Warn("discarding unreadable generation")
			s.removeStale(path)
			continue
		}
		recovered = snap
	}
	if recovered == nil {
		return nil
	}
	s.pointer.Swap(recovered)
	s.seq = recovered.Seq
	s.log.WithFields(log.Fields{
		"snapshot": recovered.ID,
		"seq":      recovered.Seq,
		"token":    recovered.Token,
	}).Info("recovered published snapshot")
	if err := s.refreshPublished(s.path(generationsDir, generationName(recovered.Seq, recovered.ID))); err != nil {
		s.log.WithError(err).Error("cannot refresh published file")
	}
	return nil
}

func (s *Store) recoverFile(path string) (*replication.Snapshot, error) {
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	meta, err := sqlite.ReadMeta(context.Background(), db)
	_ = db.Close()
	if err != nil {
		return nil, err
	}
	if filepath.Base(path) != generationName(meta.Seq, meta.ID) {
		return nil, errors.Errorf("file name does not match snapshot %d-%s", meta.Seq, meta.ID)
	}
	return s.open(meta, path)
}

func (s *Store) cleanStaging() error {
	entries, err := os.ReadDir(s.path(stagingDir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.removeStale(s.path(stagingDir, e.Name()))
	}
	return nil
}

func (s *Store) removeStale(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("file", path).Warn("cannot remove stale snapshot file")
		return
	}
	s.log.WithField("file", path).Debug("removed stale snapshot file")
}

func (s *Store) path(elem ...string) string {
	return filepath.Join(append([]string{s.opts.Dir}, elem...)...)
}

func generationName(seq uint64, id string) string {
	return fmt.Sprintf("%020d-%s%s", seq, id, fileExt)
}

func removeSQLiteFile(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	// not every platform can fsync a directory
	_ = d.Sync()
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
