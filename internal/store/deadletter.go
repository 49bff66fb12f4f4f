package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ListDeadLetters returns dead letter records, most recent failure first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.Select(deadLetterColumns...).
		From("dead_letter").OrderBy("failed_at DESC", "id"))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// GetDeadLetter returns one dead letter record.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select(deadLetterColumns...).
		From("dead_letter").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	d, err := scanDeadLetter(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return d, nil
}

// RequeueFromDeadLetter moves a dead letter record back into the active
// queue as a fresh pending job. Attempts restart at zero; max_retries and
// created_at carry over from the record.
func (s *Store) RequeueFromDeadLetter(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sel := s.sb.Select(deadLetterColumns...).From("dead_letter").Where(sq.Eq{"id": id})
		row, err := queryRowBuilder(ctx, tx, s.forUpdate(sel, false))
		if err != nil {
			return err
		}
		d, err := scanDeadLetter(row)
		if isNoRows(err) {
			return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select dead letter %s: %w", id, err)
		}

		now := s.clock()
		job = &Job{
			ID:         d.ID,
			Command:    d.Command,
			State:      StatePending,
			MaxRetries: d.MaxRetries,
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  now,
			NextRunAt:  now,
		}
		_, err = execBuilder(ctx, tx, s.sb.Insert("jobs").
			Columns("id", "command", "state", "attempts", "max_retries",
				"created_at", "updated_at", "next_run_at").
			Values(job.ID, job.Command, string(job.State), 0, job.MaxRetries,
				job.CreatedAt, now, now))
		if err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateID, id)
			}
			return fmt.Errorf("requeue job %s: %w", id, err)
		}
		if _, err := execBuilder(ctx, tx, s.sb.Delete("dead_letter").Where(sq.Eq{"id": id})); err != nil {
			return fmt.Errorf("delete dead letter %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PurgeDeadLetters deletes dead letter records that failed before the cutoff
// and returns how many were removed.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	res, err := execBuilder(ctx, s.db, s.sb.Delete("dead_letter").
		Where(sq.Lt{"failed_at": before.UTC()}))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return n, nil
}
