package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Registration is a worker liveness record.
type Registration struct {
	WorkerID      string    `json:"worker_id"`
	PID           int       `json:"pid"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ReclaimResult lists what ReclaimStale released.
type ReclaimResult struct {
	Workers []string `json:"workers"`
	Jobs    int64    `json:"jobs"`
}

// RegisterWorker records a worker as started now. Registering an existing id
// replaces its record.
func (s *Store) RegisterWorker(ctx context.Context, r Registration) error {
	if r.WorkerID == "" {
		return fmt.Errorf("register worker: empty worker id")
	}
	now := s.livenessNow()
	_, err := execBuilder(ctx, s.db, s.sb.Insert("workers").
		Columns("worker_id", "pid", "hostname", "started_at", "last_heartbeat").
		Values(r.WorkerID, r.PID, r.Hostname, now, now).
		Suffix(`ON CONFLICT (worker_id) DO UPDATE SET
			pid = excluded.pid,
			hostname = excluded.hostname,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat`))
	if err != nil {
		return fmt.Errorf("register worker %s: %w", r.WorkerID, err)
	}
	return nil
}

// HeartbeatWorker refreshes last_heartbeat and the worker's pid and hostname.
// A worker whose record was reclaimed is registered again with started_at
// set to now, so `worker stop` can still find its process.
func (s *Store) HeartbeatWorker(ctx context.Context, r Registration) error {
	if r.WorkerID == "" {
		return fmt.Errorf("heartbeat worker: empty worker id")
	}
	now := s.livenessNow()
	_, err := execBuilder(ctx, s.db, s.sb.Insert("workers").
		Columns("worker_id", "pid", "hostname", "started_at", "last_heartbeat").
		Values(r.WorkerID, r.PID, r.Hostname, now, now).
		Suffix(`ON CONFLICT (worker_id) DO UPDATE SET
			pid = excluded.pid,
			hostname = excluded.hostname,
			last_heartbeat = excluded.last_heartbeat`))
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", r.WorkerID, err)
	}
	return nil
}

// DeregisterWorker removes a worker record. Removing an unknown id is not an
// error.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	if _, err := execBuilder(ctx, s.db, s.sb.Delete("workers").Where(sq.Eq{"worker_id": workerID})); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns registered workers ordered by start time.
func (s *Store) ListWorkers(ctx context.Context) ([]*Registration, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.
		Select("worker_id", "pid", "hostname", "started_at", "last_heartbeat").
		From("workers").OrderBy("started_at", "worker_id"))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*Registration
	for rows.Next() {
		var r Registration
		if err := rows.Scan(&r.WorkerID, &r.PID, &r.Hostname, &r.StartedAt, &r.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		r.StartedAt = r.StartedAt.UTC()
		r.LastHeartbeat = r.LastHeartbeat.UTC()
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// ReclaimStale releases work held by workers that stopped heartbeating.
// Workers whose last heartbeat is older than threshold are removed and their
// processing jobs go back to pending with attempts unchanged. Processing jobs
// locked by an id with no registration at all are released once they have
// not been touched for threshold.
//
// On PostgreSQL heartbeats and the staleness cutoff both use the database
// clock, so skew between worker hosts does not release live work. Orphaned
// jobs are judged by updated_at, which each host writes with its own clock.
func (s *Store) ReclaimStale(ctx context.Context, threshold time.Duration) (*ReclaimResult, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("reclaim stale: threshold must be positive")
	}
	result := &ReclaimResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		cutoff := now.Add(-threshold)

		sel := s.sb.Select("worker_id").From("workers").
			Where(s.heartbeatOlderThan(threshold)).
			OrderBy("worker_id")
		rows, err := queryBuilder(ctx, tx, s.forUpdate(sel, false))
		if err != nil {
			return fmt.Errorf("select stale workers: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan stale worker: %w", err)
			}
			stale = append(stale, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("select stale workers: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select stale workers: %w", err)
		}

		release := s.sb.Update("jobs").
			Set("state", string(StatePending)).
			Set("locked_by", nil).
			Set("next_run_at", now).
			Set("updated_at", now).
			Where(sq.Eq{"state": string(StateProcessing)})

		if len(stale) > 0 {
			n, err := execCount(ctx, tx, release.Where(sq.Eq{"locked_by": stale}))
			if err != nil {
				return fmt.Errorf("release jobs of stale workers: %w", err)
			}
			result.Jobs += n
			if _, err := execBuilder(ctx, tx, s.sb.Delete("workers").Where(sq.Eq{"worker_id": stale})); err != nil {
				return fmt.Errorf("delete stale workers: %w", err)
			}
			result.Workers = stale
		}

		n, err := execCount(ctx, tx, release.
			Where(sq.Lt{"updated_at": cutoff}).
			Where("locked_by NOT IN (SELECT worker_id FROM workers)"))
		if err != nil {
			return fmt.Errorf("release orphaned jobs: %w", err)
		}
		result.Jobs += n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// livenessNow is the timestamp written to last_heartbeat and started_at.
func (s *Store) livenessNow() any {
	if s.dbClock {
		return sq.Expr("CURRENT_TIMESTAMP")
	}
	return s.clock()
}

func (s *Store) heartbeatOlderThan(threshold time.Duration) sq.Sqlizer {
	if s.dbClock {
		return sq.Expr("last_heartbeat < CURRENT_TIMESTAMP - make_interval(secs => ?::double precision)",
			threshold.Seconds())
	}
	return sq.Lt{"last_heartbeat": s.clock().Add(-threshold)}
}

func execCount(ctx context.Context, q querier, b sq.Sqlizer) (int64, error) {
	res, err := execBuilder(ctx, q, b)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
