package reader

import "github.com/pkg/errors"

var (
	ErrEmptyQuery         = errors.New("query cannot be empty")
	ErrNotReadOnly        = errors.New("only SELECT and WITH statements are allowed")
	ErrMultipleStatements = errors.New("only a single statement is allowed")
	ErrTableNotFound      = errors.New("table is not part of the snapshot")
)
