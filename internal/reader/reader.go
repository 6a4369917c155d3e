// Package reader answers read-only queries against the published snapshot.
// It never opens the upstream and never writes.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
)

type Reader struct {
	store replication.Store
	log   log.FieldLogger
}

func New(store replication.Store, logger log.FieldLogger) *Reader {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reader{store: store, log: logger.WithField("component", "reader")}
}

// Current describes the published snapshot.
func (r *Reader) Current() (replication.Meta, error) {
	snap := r.store.Current()
	if snap == nil {
		return replication.Meta{}, replication.ErrNoSnapshot
	}
	return snap.Meta, nil
}

// Query runs expr on the published snapshot. All rows come from the same
// snapshot even if a newer one is published meanwhile.
func (r *Reader) Query(ctx context.Context, expr Expression) (*Result, error) {
	snap, err := r.store.Acquire()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return r.QuerySnapshot(ctx, snap, expr)
}

// QuerySnapshot runs expr on snap, which the caller must hold with
// Store.Acquire until the call returns.
func (r *Reader) QuerySnapshot(ctx context.Context, snap *replication.Snapshot, expr Expression) (*Result, error) {
	if snap == nil {
		return nil, replication.ErrNoSnapshot
	}
	if snap.Reclaimed() {
		return nil, replication.ErrSnapshotReleased
	}
	if err := CheckReadOnly(expr.SQL); err != nil {
		return nil, err
	}
	rows, err := snap.DB().QueryContext(ctx, expr.SQL, expr.Args...)
	if err != nil {
		r.log.WithError(err).WithField("snapshot", snap.ID).Debug("query failed")
		return nil, err
	}
	defer rows.Close()

	res, err := collect(rows)
	if err != nil {
		return nil, err
	}
	res.SnapshotID = snap.ID
	res.Seq = snap.Seq
	return res, nil
}

// Table returns up to limit rows of a snapshot table, every row when limit
// is not positive.
func (r *Reader) Table(ctx context.Context, name string, limit int) (*Result, error) {
	if err := replication.ValidateTableName(name); err != nil {
		return nil, err
	}
	snap, err := r.store.Acquire()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	info, ok := findTable(snap.Meta, name)
	if !ok {
		return nil, errors.Wrap(ErrTableNotFound, name)
	}
	q := fmt.Sprintf("SELECT * FROM %s", replication.QuoteIdent(info.Name))
	if limit > 0 {
		return r.QuerySnapshot(ctx, snap, SQL(q+" LIMIT ?", limit))
	}
	return r.QuerySnapshot(ctx, snap, SQL(q))
}

// Tables lists the tables of the published snapshot matching pattern.
func (r *Reader) Tables(pattern replication.SearchPattern) ([]replication.TableInfo, error) {
	meta, err := r.Current()
	if err != nil {
		return nil, err
	}
	tables := make([]replication.TableInfo, 0, len(meta.Tables))
	for _, t := range meta.Tables {
		if pattern.Match(t.Name) {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// findTable looks name up ignoring case, like SQLite does.
func findTable(meta replication.Meta, name string) (replication.TableInfo, bool) {
	if t, ok := meta.Table(name); ok {
		return t, true
	}
	for _, t := range meta.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return replication.TableInfo{}, false
}

func collect(rows *sql.Rows) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: make([]string, len(types)), Rows: make([]Row, 0)}
	binary := make([]bool, len(types))
	for i, ct := range types {
		res.Columns[i] = ct.Name()
		binary[i] = sqlite.ColumnType(ct.DatabaseTypeName()) == "BLOB"
	}
	for rows.Next() {
		values := make([]interface{}, len(types))
		ptrs := make([]interface{}, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(types))
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary[i] {
				v = string(b)
			}
			row[res.Columns[i]] = v
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}
