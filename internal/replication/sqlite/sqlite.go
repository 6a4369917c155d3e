// Package sqlite writes and reads the SQLite files snapshots are made of.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/snowflk/erpmirror/internal/replication"
)

const (
	DriverName = "sqlite3"
	// MetaTable describes the snapshot inside its own file.
	MetaTable = "_snapshot"
)

var ErrMetaMissing = errors.New("snapshot metadata table is missing")

// Beginner is satisfied by *sql.DB and *sql.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// OpenReadOnly opens a snapshot file that must never be written again.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, fmt.Sprintf("file:%s?mode=ro&_query_only=true", path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Write stores every table of meta with its rows plus the metadata table,
// all in one transaction.
func Write(ctx context.Context, db Beginner, meta replication.Meta, ext *replication.Extraction) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, info := range meta.Tables {
		t, ok := ext.Tables[info.Name]
		if !ok {
			return errors.Wrapf(replication.ErrExtractionIncomplete, "table %s", info.Name)
		}
		if err := writeTable(ctx, tx, t); err != nil {
			return errors.Wrapf(err, "writing table %s", t.Name)
		}
	}
	if err := writeMeta(ctx, tx, meta); err != nil {
		return errors.Wrap(err, "writing snapshot metadata")
	}
	return tx.Commit()
}

func writeTable(ctx context.Context, tx *sql.Tx, t *replication.Table) error {
	if len(t.Columns) == 0 {
		return errors.New("table has no columns")
	}
	defs := make([]string, len(t.Columns))
	placeholders := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = strings.TrimSpace(replication.QuoteIdent(c.Name) + " " + ColumnType(c.DatabaseType))
		placeholders[i] = "?"
	}
	table := replication.QuoteIdent(t.Name)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return err
	}
	if len(t.PrimaryKey) > 0 {
		keys := make([]string, len(t.PrimaryKey))
		for i, k := range t.PrimaryKey {
			keys[i] = replication.QuoteIdent(k)
		}
		q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			replication.QuoteIdent("idx_"+t.Name+"_key"), table, strings.Join(keys, ", "))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(placeholders, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for n, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return errors.Wrapf(err, "row %d", n)
		}
	}
	return nil
}

func writeMeta(ctx context.Context, tx *sql.Tx, meta replication.Meta) error {
	tables, err := json.Marshal(meta.Tables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE TABLE `+MetaTable+` (
		id         TEXT    NOT NULL,
		seq        INTEGER NOT NULL,
		token      TEXT    NOT NULL,
		created_at TEXT    NOT NULL,
		tables     TEXT    NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO `+MetaTable+` (id, seq, token, created_at, tables) VALUES (?, ?, ?, ?, ?)`,
		meta.ID, int64(meta.Seq), meta.Token, meta.CreatedAt.UTC().Format(time.RFC3339Nano), string(tables))
	return err
}

// ReadMeta loads the metadata a snapshot file was written with.
func ReadMeta(ctx context.Context, db *sql.DB) (replication.Meta, error) {
	var meta replication.Meta
	var exists int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, MetaTable)
	if err := row.Scan(&exists); err != nil {
		return meta, err
	}
	if exists == 0 {
		return meta, ErrMetaMissing
	}

	var seq int64
	var createdAt, tables string
	row = db.QueryRowContext(ctx, `SELECT id, seq, token, created_at, tables FROM `+MetaTable+` LIMIT 1`)
	if err := row.Scan(&meta.ID, &seq, &meta.Token, &createdAt, &tables); err != nil {
		return meta, err
	}
	meta.Seq = uint64(seq)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return meta, errors.Wrap(err, "parsing created_at")
	}
	meta.CreatedAt = t
	if err := json.Unmarshal([]byte(tables), &meta.Tables); err != nil {
		return meta, errors.Wrap(err, "parsing table list")
	}
	return meta, nil
}

// ColumnType maps an upstream column type to a declared SQLite type, so the
// column gets the matching affinity and dates come back as time.Time.
func ColumnType(databaseType string) string {
	t := strings.ToUpper(databaseType)
	switch {
	case t == "":
		return ""
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return "TIMESTAMP"
	case strings.Contains(t, "BLOB"), strings.Contains(t, "RAW"), strings.Contains(t, "BYTEA"), strings.Contains(t, "BINARY"):
		return "BLOB"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case strings.Contains(t, "NUM"), strings.Contains(t, "DEC"), strings.Contains(t, "FLOAT"),
		strings.Contains(t, "DOUBLE"), strings.Contains(t, "REAL"), strings.Contains(t, "MONEY"):
		return "NUMERIC"
	case t == "BOOL", t == "BOOLEAN":
		return "INTEGER"
	default:
		return ""
	}
}
