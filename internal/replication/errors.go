package replication

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTableNameEmpty       = errors.New("table name cannot be empty")
	ErrTableNameInvalid     = errors.New("table name should contain only digits, letters and underscore")
	ErrTableQueryEmpty      = errors.New("extraction query cannot be empty")
	ErrTableDuplicated      = errors.New("table is declared more than once")
	ErrNoTables             = errors.New("at least one table is required")
	ErrExtractionEmpty      = errors.New("extraction contains no tables")
	ErrExtractionIncomplete = errors.New("extraction does not cover every table")
	ErrNoSnapshot           = errors.New("no snapshot has been published yet")
	ErrStoreClosed          = errors.New("snapshot store is closed")
	ErrSnapshotReleased     = errors.New("snapshot storage has been released")
)

// ConnectionError reports that the upstream could not be reached.
// The cycle is aborted and the published snapshot stays authoritative.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports the extraction query of a single table that failed.
type QueryError struct {
	Table string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("extracting table %s: %v", e.Table, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PublishError reports that a new snapshot could not be made current.
// Repeated publish errors leave readers on an increasingly stale snapshot.
type PublishError struct {
	Snapshot string
	Err      error
}

func (e *PublishError) Error() string {
	if e.Snapshot == "" {
		return fmt.Sprintf("publishing snapshot: %v", e.Err)
	}
	return fmt.Sprintf("publishing snapshot %s: %v", e.Snapshot, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ProbeError reports a failed freshness probe. It never aborts a cycle.
type ProbeError struct {
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("freshness probe failed: %v", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

func IsQueryError(err error) bool {
	var target *QueryError
	return errors.As(err, &target)
}

func IsPublishError(err error) bool {
	var target *PublishError
	return errors.As(err, &target)
}
