package replication

import (
	"sort"
	"time"
)

// TableSpec declares one upstream table to replicate.
// Specs are defined at startup and never change during the process lifetime.
type TableSpec struct {
	// Name is the name of the table inside the snapshot.
	// It should contain only digits, letters and underscore.
	Name string `mapstructure:"name" json:"name"`
	// Query is the extraction query run against the upstream.
	Query string `mapstructure:"query" json:"query"`
	// PrimaryKey optionally lists the key columns. The snapshot indexes them
	// so lookups by key stay cheap, it does not enforce uniqueness.
	PrimaryKey []string `mapstructure:"primary_key" json:"primary_key,omitempty"`
}

type Column struct {
	Name         string `json:"name"`
	DatabaseType string `json:"database_type,omitempty"`
}

// Table is the materialized result of one extraction query.
type Table struct {
	Name       string
	PrimaryKey []string
	Columns    []Column
	Rows       [][]interface{}
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Extraction is everything a source produced in one cycle.
type Extraction struct {
	// Token is the freshness token the extracted data corresponds to.
	// Sources that learn it while extracting (e.g. from a download) fill it in,
	// otherwise the token of the probe that triggered the cycle is used.
	Token      string
	Tables     map[string]*Table
	StartedAt  time.Time
	FinishedAt time.Time
}

func NewExtraction(startedAt time.Time) *Extraction {
	return &Extraction{
		Tables:    make(map[string]*Table),
		StartedAt: startedAt,
	}
}

func (e *Extraction) Add(t *Table) {
	e.Tables[t.Name] = t
}

// Covers reports whether every spec has a table in the extraction.
func (e *Extraction) Covers(specs []TableSpec) bool {
	for _, spec := range specs {
		if _, ok := e.Tables[spec.Name]; !ok {
			return false
		}
	}
	return true
}

// RowCounts returns the number of rows of every extracted table.
func (e *Extraction) RowCounts() map[string]int {
	counts := make(map[string]int, len(e.Tables))
	for name, t := range e.Tables {
		counts[name] = len(t.Rows)
	}
	return counts
}

// SpecsFor returns the specs a snapshot of ext is laid out by: declared
// specs when there are any, otherwise every extracted table sorted by name.
func SpecsFor(ext *Extraction, declared []TableSpec) []TableSpec {
	if len(declared) > 0 {
		return declared
	}
	names := make([]string, 0, len(ext.Tables))
	for name := range ext.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]TableSpec, len(names))
	for i, name := range names {
		specs[i] = TableSpec{Name: name}
	}
	return specs
}
