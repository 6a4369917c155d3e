package reader

import "fmt"

// Row maps column names to values.
type Row map[string]interface{}

// Result is the outcome of a query on one snapshot.
type Result struct {
	SnapshotID string   `json:"snapshot_id"`
	Seq        uint64   `json:"seq"`
	Columns    []string `json:"columns"`
	Rows       []Row    `json:"rows"`
}

func (r *Result) Len() int {
	return len(r.Rows)
}

// Filter returns the rows for which keep is true, in a new result.
func (r *Result) Filter(keep func(Row) bool) *Result {
	out := &Result{SnapshotID: r.SnapshotID, Seq: r.Seq, Columns: r.Columns, Rows: make([]Row, 0)}
	for _, row := range r.Rows {
		if keep(row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// Index groups the rows by the value of column. Keys are the printed value so
// that numbers stored with different types still join, e.g. CODCLI 42 and "42".
func (r *Result) Index(column string) map[string][]Row {
	idx := make(map[string][]Row, len(r.Rows))
	for _, row := range r.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		key := Key(v)
		idx[key] = append(idx[key], row)
	}
	return idx
}

// Key is the index key of a value.
func Key(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprint(int64(x))
		}
	}
	return fmt.Sprint(v)
}
