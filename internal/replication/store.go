package replication

import "context"

// Store is the interface to the local snapshot storage.
// The implementation of this interface must use the package "testsuite" for
// unit-testing, so that all backends are held to the same guarantees.
type Store interface {
	// Publish builds a new snapshot from the extraction in an isolated
	// location, then makes it current with a single atomic swap.
	// On error the previously published snapshot stays current and every
	// partially written artifact is removed.
	// The storage of the replaced snapshot is reclaimed after the swap,
	// once no reader holds it any more.
	Publish(ctx context.Context, extraction *Extraction) (*Snapshot, error)

	// Current returns the published snapshot, or nil before the first publish.
	// It never blocks, not even while a publish is in progress.
	// The returned value is safe for reading metadata; use Acquire to query it.
	Current() *Snapshot

	// Acquire returns the published snapshot with a reference held on its
	// storage. The caller must call Release when done.
	// Returns ErrNoSnapshot before the first publish.
	Acquire() (*Snapshot, error)

	Close() error
}

// Source extracts the full set of tables from the upstream.
type Source interface {
	// Extract runs every spec's query in order and returns all tables, or an
	// error. A *ConnectionError is returned when the upstream is unreachable
	// and a *QueryError naming the table when a single query fails.
	// A partial extraction is never returned.
	Extract(ctx context.Context, specs []TableSpec) (*Extraction, error)

	Close() error
}

// Detector decides whether the upstream changed since a freshness token.
type Detector interface {
	// Probe compares the upstream's current token with previous.
	// It never fails: when the upstream cannot be probed it reports a change,
	// so a refresh is preferred over serving stale data.
	Probe(ctx context.Context, previous string) (changed bool, token string)
}
