package detect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
)

// Query uses the single value of a fingerprint query run on the upstream as
// the token, e.g. SELECT MAX(DTMOV) || COUNT(*) FROM crc.PCMOV.
type Query struct {
	DB      *sql.DB
	SQL     string
	Timeout time.Duration
	log     log.FieldLogger
}

var _ replication.Detector = (*Query)(nil)

func NewQuery(db *sql.DB, query string, timeout time.Duration, logger log.FieldLogger) *Query {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Query{DB: db, SQL: query, Timeout: timeout, log: logger.WithField("detector", "query")}
}

func (d *Query) Probe(ctx context.Context, previous string) (bool, string) {
	token, err := d.fingerprint(ctx)
	return compare(d.log, previous, token, err)
}

func (d *Query) fingerprint(ctx context.Context) (string, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	var v interface{}
	if err := d.DB.QueryRowContext(ctx, d.SQL).Scan(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprint(x), nil
	}
}
