package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// extract runs every spec in order on q. The first failing table aborts the
// whole extraction.
func extract(ctx context.Context, q queryer, specs []replication.TableSpec, timeout time.Duration, logger log.FieldLogger) (*replication.Extraction, error) {
	ext := replication.NewExtraction(time.Now())
	for _, spec := range specs {
		started := time.Now()
		t, err := queryTable(ctx, q, spec, timeout)
		if err != nil {
			return nil, &replication.QueryError{Table: spec.Name, Err: err}
		}
		ext.Add(t)
		logger.WithFields(log.Fields{
			"table":    spec.Name,
			"rows":     len(t.Rows),
			"duration": time.Since(started),
		}).Debug("table extracted")
	}
	ext.FinishedAt = time.Now()
	return ext, nil
}

func queryTable(ctx context.Context, q queryer, spec replication.TableSpec, timeout time.Duration) (*replication.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := q.QueryContext(ctx, spec.Query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTable(spec, rows)
}

func scanTable(spec replication.TableSpec, rows *sql.Rows) (*replication.Table, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	t := &replication.Table{
		Name:       spec.Name,
		PrimaryKey: spec.PrimaryKey,
		Columns:    make([]replication.Column, len(types)),
		Rows:       make([][]interface{}, 0),
	}
	binary := make([]bool, len(types))
	for i, ct := range types {
		t.Columns[i] = replication.Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
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
		for i, v := range values {
			values[i] = normalize(v, binary[i])
		}
		t.Rows = append(t.Rows, values)
	}
	return t, rows.Err()
}

// normalize turns driver specific values into plain ones SQLite can store.
// Text arrives as []byte from some drivers and must not be stored as a blob.
func normalize(v interface{}, binary bool) interface{} {
	if valuer, ok := v.(driver.Valuer); ok {
		if plain, err := valuer.Value(); err == nil {
			v = plain
		}
	}
	switch x := v.(type) {
	case []byte:
		if binary {
			return append([]byte(nil), x...)
		}
		return string(x)
	default:
		return x
	}
}
