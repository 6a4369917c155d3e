package replication

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var tableNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func ValidateTableName(name string) error {
	if CheckStringEmpty(name) {
		return ErrTableNameEmpty
	}
	if !tableNameRegexp.MatchString(name) {
		return ErrTableNameInvalid
	}
	return nil
}

func CheckStringEmpty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// ValidateSpecs checks a full table list: valid unique names and non-empty queries.
func ValidateSpecs(specs []TableSpec) error {
	if len(specs) == 0 {
		return ErrNoTables
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := ValidateTableName(spec.Name); err != nil {
			return errors.Wrapf(err, "table %q", spec.Name)
		}
		if CheckStringEmpty(spec.Query) {
			return errors.Wrapf(ErrTableQueryEmpty, "table %s", spec.Name)
		}
		for _, col := range spec.PrimaryKey {
			if !tableNameRegexp.MatchString(col) {
				return errors.Errorf("table %s: invalid primary key column %q", spec.Name, col)
			}
		}
		key := strings.ToUpper(spec.Name)
		if seen[key] {
			return errors.Wrapf(ErrTableDuplicated, "table %s", spec.Name)
		}
		seen[key] = true
	}
	return nil
}

// QuoteIdent quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
