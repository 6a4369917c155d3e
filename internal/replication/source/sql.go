// Package source extracts the replicated tables from the upstream database.
package source

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
)

// SQLSource extracts tables from any database/sql upstream.
type SQLSource struct {
	opts Options
	db   *sql.DB
	log  log.FieldLogger
}

var _ replication.Source = (*SQLSource)(nil)

// NewSQLSource prepares the connection pool. No connection is made until the
// first extraction, so an upstream that is down at startup is not fatal.
func NewSQLSource(opts Options, logger log.FieldLogger) (*SQLSource, error) {
	dsn, err := opts.ConnString()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s upstream", opts.DriverName())
	}
	db.SetMaxOpenConns(MaxOpenConnections)
	db.SetMaxIdleConns(MaxIdleConnections)
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SQLSource{
		opts: opts,
		db:   db,
		log:  logger.WithField("source", opts.DriverName()),
	}, nil
}

// Extract checks the upstream is reachable, then runs every query on a single
// connection so all tables are read in one session.
func (s *SQLSource) Extract(ctx context.Context, specs []replication.TableSpec) (*replication.Extraction, error) {
	pingCtx, cancel := context.WithTimeout(ctx, s.opts.timeout())
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return nil, &replication.ConnectionError{Err: err}
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, &replication.ConnectionError{Err: err}
	}
	defer conn.Close()

	return extract(ctx, conn, specs, s.opts.timeout(), s.log)
}

// DB exposes the upstream pool, e.g. for a fingerprint query detector.
func (s *SQLSource) DB() *sql.DB {
	return s.db
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}
