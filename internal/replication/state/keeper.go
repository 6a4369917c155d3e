// Package state persists the history of replication cycles in a bbolt file,
// so operators can see what the replicator did across restarts.
package state

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	DefaultFileName = "erpmirror_state.kv"
	// MaxRecords bounds the history; older cycles are dropped.
	MaxRecords = 1000
)

var (
	cyclesBucketKey = []byte("cycles")
	metaBucketKey   = []byte("meta")
	lastSuccessKey  = []byte("last_success")
	ByteOrdering    = binary.BigEndian
)

var ErrNoSuccess = errors.New("no cycle has published a snapshot yet")

type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// CycleRecord is what one replication cycle did.
type CycleRecord struct {
	Seq        uint64         `json:"seq"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    Outcome        `json:"outcome"`
	Token      string         `json:"token,omitempty"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	Rows       map[string]int `json:"rows,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (r CycleRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder receives the record of every cycle.
type Recorder interface {
	Record(rec CycleRecord) (uint64, error)
}

type Keeper struct {
	store *bbolt.DB
}

var _ Recorder = (*Keeper)(nil)

// Open opens or creates the state file. timeout bounds the wait for the file
// lock held by another process; zero waits forever.
func Open(path string, timeout time.Duration) (*Keeper, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating state directory for %s", path)
	}
	store, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening state file %s", path)
	}
	err = store.Update(func(tx *bbolt.Tx) error {
		for _, key := range [][]byte{cyclesBucketKey, metaBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Keeper{store: store}, nil
}

// Record appends rec to the history under the next sequence number, which is
// returned. A published cycle also becomes the last success.
func (k *Keeper) Record(rec CycleRecord) (uint64, error) {
	err := k.store.Update(func(tx *bbolt.Tx) error {
		cycles := tx.Bucket(cyclesBucketKey)
		seq, err := cycles.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := cycles.Put(seqKey(seq), data); err != nil {
			return err
		}
		if rec.Outcome == OutcomePublished {
			if err := tx.Bucket(metaBucketKey).Put(lastSuccessKey, data); err != nil {
				return err
			}
		}
		return prune(cycles, seq)
	})
	return rec.Seq, err
}

// prune drops the records that fell out of the MaxRecords window.
func prune(cycles *bbolt.Bucket, last uint64) error {
	if last <= MaxRecords {
		return nil
	}
	limit := seqKey(last - MaxRecords + 1)
	c := cycles.Cursor()
	for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n records, newest first.
func (k *Keeper) Recent(n int) ([]CycleRecord, error) {
	records := make([]CycleRecord, 0, n)
	err := k.store.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(cyclesBucketKey).Cursor()
		for key, v := c.Last(); key != nil && len(records) < n; key, v = c.Prev() {
			var rec CycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decoding cycle %d", ByteOrdering.Uint64(key))
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// LastSuccess returns the newest cycle that published a snapshot.
func (k *Keeper) LastSuccess() (CycleRecord, error) {
	var rec CycleRecord
	err := k.store.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metaBucketKey).Get(lastSuccessKey)
		if data == nil {
			return ErrNoSuccess
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (k *Keeper) Close() error {
	return k.store.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	ByteOrdering.PutUint64(b, seq)
	return b
}
