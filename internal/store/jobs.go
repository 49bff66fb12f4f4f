package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/scarson/queuectl/internal/backoff"
)

// EnqueueParams describes a job to insert. A nil MaxRetries takes the
// configured default.
type EnqueueParams struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// FailResult reports where a failed job went.
type FailResult struct {
	Attempts     int           `json:"attempts"`
	DeadLettered bool          `json:"dead_lettered"`
	Delay        time.Duration `json:"delay"`
	NextRunAt    time.Time     `json:"next_run_at,omitzero"`
}

// Counts summarises the queue.
type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
	Workers    int64 `json:"workers"`
}

// Enqueue inserts a new pending job. An id that is already active or sits in
// the dead letter table is rejected with ErrDuplicateID.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if p.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidJob)
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidJob)
	}

	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		row, err := queryRowBuilder(ctx, tx, s.sb.
			Select("1").From("dead_letter").Where(sq.Eq{"id": p.ID}))
		if err != nil {
			return err
		}
		switch err := row.Scan(&exists); {
		case err == nil:
			return fmt.Errorf("%w: %s is in the dead letter queue", ErrDuplicateID, p.ID)
		case !isNoRows(err):
			return fmt.Errorf("check dead letter: %w", err)
		}

		maxRetries := 0
		if p.MaxRetries != nil {
			maxRetries = *p.MaxRetries
		} else {
			settings, err := readSettings(ctx, tx, s.sb)
			if err != nil {
				return err
			}
			maxRetries = settings.MaxRetries
		}

		now := s.clock()
		job = &Job{
			ID:         p.ID,
			Command:    p.Command,
			State:      StatePending,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
			NextRunAt:  now,
		}
		_, err = execBuilder(ctx, tx, s.sb.Insert("jobs").
			Columns("id", "command", "state", "attempts", "max_retries",
				"created_at", "updated_at", "next_run_at").
			Values(job.ID, job.Command, string(job.State), 0, job.MaxRetries,
				now, now, now))
		if err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Claim atomically takes the oldest eligible pending job for workerID.
// It returns (nil, nil) when nothing is eligible or another worker won the
// race for the selected row.
func (s *Store) Claim(ctx context.Context, workerID string) (*Job, error) {
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		sel := s.sb.Select(jobColumns...).From("jobs").
			Where(sq.Eq{"state": string(StatePending)}).
			Where(sq.LtOrEq{"next_run_at": now}).
			Where(sq.Or{sq.Eq{"locked_by": nil}, sq.Eq{"locked_by": workerID}}).
			OrderBy("created_at", "id").
			Limit(1)
		row, err := queryRowBuilder(ctx, tx, s.forUpdate(sel, true))
		if err != nil {
			return err
		}
		candidate, err := scanJob(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		res, err := execBuilder(ctx, tx, s.sb.Update("jobs").
			Set("state", string(StateProcessing)).
			Set("locked_by", workerID).
			Set("updated_at", now).
			Where(sq.Eq{"id": candidate.ID, "state": string(StatePending)}))
		if err != nil {
			return fmt.Errorf("claim job %s: %w", candidate.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim job %s: %w", candidate.ID, err)
		}
		if n == 0 {
			return nil
		}

		candidate.State = StateProcessing
		candidate.LockedBy = workerID
		candidate.UpdatedAt = now
		job = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a processing job completed. When j.LockedBy is set the
// update only applies while that worker still holds the lock. Completing an
// already completed job is a no-op.
func (s *Store) Complete(ctx context.Context, j *Job) error {
	where := sq.Eq{"id": j.ID, "state": string(StateProcessing)}
	if j.LockedBy != "" {
		where["locked_by"] = j.LockedBy
	}
	res, err := execBuilder(ctx, s.db, s.sb.Update("jobs").
		Set("state", string(StateCompleted)).
		Set("locked_by", nil).
		Set("updated_at", s.clock()).
		Where(where))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	switch {
	case cur.State == StateCompleted:
		return nil
	case cur.State == StateProcessing:
		return fmt.Errorf("complete job %s: %w (held by %s)", j.ID, ErrNotClaimed, cur.LockedBy)
	default:
		return fmt.Errorf("complete job %s: %w: %s", j.ID, ErrInvalidState, cur.State)
	}
}

// Fail records a failed execution of a job the caller holds. The job either
// returns to pending with a backoff delay or, once attempts exceeds
// max_retries, moves to the dead letter table.
func (s *Store) Fail(ctx context.Context, j *Job, errMsg string) (*FailResult, error) {
	errMsg = TruncateError(errMsg)
	var result *FailResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sel := s.sb.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": j.ID})
		row, err := queryRowBuilder(ctx, tx, s.forUpdate(sel, false))
		if err != nil {
			return err
		}
		cur, err := scanJob(row)
		if isNoRows(err) {
			return fmt.Errorf("fail job %s: %w", j.ID, ErrNotClaimed)
		}
		if err != nil {
			return fmt.Errorf("select job %s: %w", j.ID, err)
		}
		if cur.State != StateProcessing || (j.LockedBy != "" && cur.LockedBy != j.LockedBy) {
			return fmt.Errorf("fail job %s: %w", j.ID, ErrNotClaimed)
		}

		now := s.clock()
		attempts := cur.Attempts + 1
		if attempts > cur.MaxRetries {
			if err := s.moveToDeadLetter(ctx, tx, cur, attempts, errMsg, now); err != nil {
				return err
			}
			result = &FailResult{Attempts: attempts, DeadLettered: true}
			return nil
		}

		settings, err := readSettings(ctx, tx, s.sb)
		if err != nil {
			return err
		}
		delay := backoff.Power{Base: settings.BackoffBase}.Delay(attempts)
		next := now.Add(delay).Truncate(time.Microsecond)
		if next.Before(cur.NextRunAt) {
			next = cur.NextRunAt
		}

		_, err = execBuilder(ctx, tx, s.sb.Update("jobs").
			Set("state", string(StatePending)).
			Set("attempts", attempts).
			Set("next_run_at", next).
			Set("updated_at", now).
			Set("last_error", nullString(errMsg)).
			Set("locked_by", nil).
			Where(sq.Eq{"id": cur.ID}))
		if err != nil {
			return fmt.Errorf("reschedule job %s: %w", cur.ID, err)
		}
		result = &FailResult{Attempts: attempts, Delay: delay, NextRunAt: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) moveToDeadLetter(ctx context.Context, tx *sql.Tx, j *Job, attempts int, errMsg string, now time.Time) error {
	_, err := execBuilder(ctx, tx, s.sb.Insert("dead_letter").
		Columns(deadLetterColumns...).
		Values(j.ID, j.Command, attempts, j.MaxRetries, j.CreatedAt, now, nullString(errMsg)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			command = excluded.command,
			attempts = excluded.attempts,
			max_retries = excluded.max_retries,
			created_at = excluded.created_at,
			failed_at = excluded.failed_at,
			last_error = excluded.last_error`))
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", j.ID, err)
	}
	if _, err := execBuilder(ctx, tx, s.sb.Delete("jobs").Where(sq.Eq{"id": j.ID})); err != nil {
		return fmt.Errorf("delete job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a single active job.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns active jobs ordered by creation time, optionally filtered
// to one state.
func (s *Store) ListJobs(ctx context.Context, state *State) ([]*Job, error) {
	q := s.sb.Select(jobColumns...).From("jobs").OrderBy("created_at", "id")
	if state != nil {
		q = q.Where(sq.Eq{"state": string(*state)})
	}
	rows, err := queryBuilder(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Counts returns the number of jobs per state plus dead letters and
// registered workers.
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.
		Select("state", "COUNT(*)").From("jobs").GroupBy("state"))
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var c Counts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		switch State(state) {
		case StatePending:
			c.Pending = n
		case StateProcessing:
			c.Processing = n
		case StateCompleted:
			c.Completed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	if c.DeadLetter, err = s.countRows(ctx, "dead_letter"); err != nil {
		return nil, err
	}
	if c.Workers, err = s.countRows(ctx, "workers"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) countRows(ctx context.Context, table string) (int64, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("COUNT(*)").From(table))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// PurgeCompleted deletes completed jobs last updated before the cutoff and
// returns how many were removed.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := execBuilder(ctx, s.db, s.sb.Delete("jobs").
		Where(sq.Eq{"state": string(StateCompleted)}).
		Where(sq.Lt{"updated_at": before.UTC()}))
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	return n, nil
}
