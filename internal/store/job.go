package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// State is the lifecycle state of an active job. Dead jobs leave the jobs
// table entirely and live on as DeadLetter records.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

// States lists every active job state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Job is a row of the jobs table.
type Job struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	NextRunAt  time.Time `json:"next_run_at"`
	LastError  string    `json:"last_error,omitempty"`
	LockedBy   string    `json:"locked_by,omitempty"`
}

// DeadLetter is the terminal snapshot of a job that exhausted its retries.
type DeadLetter struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	FailedAt   time.Time `json:"failed_at"`
	LastError  string    `json:"last_error,omitempty"`
}

var jobColumns = []string{
	"id", "command", "state", "attempts", "max_retries",
	"created_at", "updated_at", "next_run_at", "last_error", "locked_by",
}

var deadLetterColumns = []string{
	"id", "command", "attempts", "max_retries", "created_at", "failed_at", "last_error",
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func execBuilder(ctx context.Context, q querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func queryBuilder(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func queryRowBuilder(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		state     string
		lastError sql.NullString
		lockedBy  sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries,
		&j.CreatedAt, &j.UpdatedAt, &j.NextRunAt, &lastError, &lockedBy,
	); err != nil {
		return nil, err
	}
	j.State = State(state)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.NextRunAt = j.NextRunAt.UTC()
	j.LastError = lastError.String
	j.LockedBy = lockedBy.String
	return &j, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var (
		d         DeadLetter
		lastError sql.NullString
	)
	if err := row.Scan(
		&d.ID, &d.Command, &d.Attempts, &d.MaxRetries, &d.CreatedAt, &d.FailedAt, &lastError,
	); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.FailedAt = d.FailedAt.UTC()
	d.LastError = lastError.String
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
