package replication

import (
	"regexp"
	"strings"
)

// SearchPattern matches table names against a glob where '*' stands for any
// sequence of characters. Matching is case-insensitive, ERP table names are
// upper case but callers rarely are.
type SearchPattern struct {
	original string
	regStr   string
	regexp   *regexp.Regexp
	valid    bool
}

func Pattern(s string) SearchPattern {
	parts := strings.Split(s, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	regStr := `(?i)^` + strings.Join(parts, `.*`) + `$`
	reg, err := regexp.Compile(regStr)
	return SearchPattern{
		original: s,
		regStr:   regStr,
		regexp:   reg,
		valid:    err == nil,
	}
}

func (p SearchPattern) Match(name string) bool {
	if !p.valid {
		return false
	}
	return p.regexp.MatchString(name)
}

func (p SearchPattern) Valid() bool {
	return p.valid
}

func (p SearchPattern) String() string {
	return p.original
}

func (p SearchPattern) RegexpString() string {
	return p.regStr
}
