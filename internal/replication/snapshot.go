package replication

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"
)

type TableInfo struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Rows    int      `json:"rows"`
}

// Meta describes a snapshot independently of where its data lives.
type Meta struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Token     string      `json:"token"`
	CreatedAt time.Time   `json:"created_at"`
	Tables    []TableInfo `json:"tables"`
}

// NewMeta describes the snapshot an extraction is about to become.
// Tables follow the order of specs.
func NewMeta(id string, seq uint64, createdAt time.Time, ext *Extraction, specs []TableSpec) Meta {
	tables := make([]TableInfo, 0, len(specs))
	for _, spec := range specs {
		t, ok := ext.Tables[spec.Name]
		if !ok {
			continue
		}
		tables = append(tables, TableInfo{Name: t.Name, Columns: t.Columns, Rows: len(t.Rows)})
	}
	return Meta{
		ID:        id,
		Seq:       seq,
		Token:     ext.Token,
		CreatedAt: createdAt.UTC(),
		Tables:    tables,
	}
}

func (m Meta) Table(name string) (TableInfo, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// Snapshot is an immutable, complete copy of every replicated table.
// Its metadata can be read from any reference returned by Store.Current.
// Using DB requires a reference obtained from Store.Acquire, which keeps the
// backing storage alive until Release.
type Snapshot struct {
	Meta

	db      *sql.DB
	refs    atomic.Int64
	retired atomic.Bool
	gone    atomic.Bool
	once    sync.Once
	reclaim func() error
	err     error
}

// NewSnapshot wraps a fully built snapshot. reclaim releases the backing
// storage and runs at most once, after the snapshot has been replaced and
// the last reader released it.
func NewSnapshot(meta Meta, db *sql.DB, reclaim func() error) *Snapshot {
	return &Snapshot{
		Meta:    meta,
		db:      db,
		reclaim: reclaim,
	}
}

// DB is a read-only handle on the snapshot's tables.
func (s *Snapshot) DB() *sql.DB {
	return s.db
}

// Release gives back a reference obtained from Store.Acquire.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.doReclaim()
	}
}

// Retired reports whether the snapshot has been replaced by a newer one.
func (s *Snapshot) Retired() bool {
	return s.retired.Load()
}

// Reclaimed reports whether the backing storage has been released.
func (s *Snapshot) Reclaimed() bool {
	return s.gone.Load()
}

// ReclaimErr returns the error of the storage reclamation, if it ran.
func (s *Snapshot) ReclaimErr() error {
	return s.err
}

// Retire marks the snapshot as replaced. Its storage is reclaimed once no
// reader holds it.
func (s *Snapshot) Retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.doReclaim()
	}
}

func (s *Snapshot) doReclaim() {
	s.once.Do(func() {
		s.gone.Store(true)
		if s.reclaim != nil {
			s.err = s.reclaim()
		}
	})
}
