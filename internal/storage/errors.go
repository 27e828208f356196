package storage

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	ErrBalanceNotZero = errors.New("balance is not zero")
)

// DuplicateError reports which unique column rejected a write, e.g.
// "clients.iban".
type DuplicateError struct {
	Column string
	Err    error
}

func (e *DuplicateError) Error() string {
	return "duplicate value for " + e.Column
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

func (e *DuplicateError) Unwrap() error { return e.Err }

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// asDuplicate converts a UNIQUE or PRIMARY KEY violation into a
// *DuplicateError and returns any other error unchanged.
func asDuplicate(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return &DuplicateError{Column: violatedColumn(sqliteErr.Error()), Err: err}
	}
	return err
}

// violatedColumn extracts "table.column" from
// "... UNIQUE constraint failed: clients.iban (2067)".
func violatedColumn(msg string) string {
	const marker = "constraint failed: "
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return ""
	}
	col := msg[i+len(marker):]
	if j := strings.IndexAny(col, " ,"); j >= 0 {
		col = col[:j]
	}
	return col
}
