package reader

import (
	"strings"
	"unicode"
)

// Expression is a read-only SQL statement with its arguments.
type Expression struct {
	SQL  string        `json:"sql"`
	Args []interface{} `json:"args,omitempty"`
}

func SQL(query string, args ...interface{}) Expression {
	return Expression{SQL: query, Args: args}
}

// CheckReadOnly accepts a single SELECT or WITH statement. Snapshot handles
// are read-only anyway, the check gives callers a clear error early.
func CheckReadOnly(query string) error {
	body, err := singleStatement(query)
	if err != nil {
		return err
	}
	if body == "" {
		return ErrEmptyQuery
	}
	end := strings.IndexFunc(body, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(body)
	}
	switch strings.ToUpper(body[:end]) {
	case "SELECT", "WITH":
		return nil
	default:
		return ErrNotReadOnly
	}
}

// singleStatement strips comments and trailing semicolons, failing when
// anything but whitespace follows a semicolon outside quotes.
func singleStatement(query string) (string, error) {
	var b strings.Builder
	ended := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
			continue
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = len(query)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
			continue
		case c == ';':
			ended = true
			continue
		}
		if ended && !unicode.IsSpace(rune(c)) {
			return "", ErrMultipleStatements
		}
		if c == '\'' || c == '"' {
			end := strings.IndexByte(query[i+1:], c)
			if end < 0 {
				b.WriteString(query[i:])
				break
			}
			b.WriteString(query[i : i+end+2])
			i += end + 1
			continue
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String()), nil
}
