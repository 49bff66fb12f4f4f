package store

import (
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicateID is returned by Enqueue when the id is already active or
	// sits in the dead letter table.
	ErrDuplicateID = errors.New("queuectl: job id already exists")

	// ErrNotFound is returned when a job or dead letter record does not exist.
	ErrNotFound = errors.New("queuectl: not found")

	// ErrNotClaimed is returned by Complete and Fail when the job is no longer
	// processing under the caller's lock (reclaimed, or never claimed).
	ErrNotClaimed = errors.New("queuectl: job not claimed by this worker")

	// ErrInvalidState is returned for unknown state names and for transitions
	// the state machine does not allow.
	ErrInvalidState = errors.New("queuectl: invalid job state")

	// ErrInvalidJob is returned by Enqueue for an empty id or command, or a
	// negative max_retries.
	ErrInvalidJob = errors.New("queuectl: invalid job")

	// ErrInvalidConfig is returned by SetConfig when a known key gets a value
	// it cannot parse.
	ErrInvalidConfig = errors.New("queuectl: invalid config value")
)

// MaxErrorLength bounds the stored last_error diagnostic, in characters.
const MaxErrorLength = 2000

// TruncateError makes msg safe to store: invalid UTF-8 is replaced, NUL bytes
// (rejected by PostgreSQL text columns) are dropped and the result is cut to
// MaxErrorLength characters.
func TruncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "�")
	msg = strings.ReplaceAll(msg, "\x00", "")
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether err is a primary key or unique violation on
// either dialect.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// IsBusy reports whether err is a lock contention error that a later retry
// is expected to clear (SQLITE_BUSY/LOCKED, PostgreSQL serialization or lock
// timeouts).
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
