package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sheetsync/internal/domain"
)

const jobColumns = `name, description, interval_minutes, active, last_run, next_run`

func scanJob(r rowScanner) (domain.ScheduledJob, error) {
	var (
		j       domain.ScheduledJob
		active  int
		lastRun sql.NullInt64
		nextRun sql.NullInt64
	)
	if err := r.Scan(&j.Name, &j.Description, &j.IntervalMinutes, &active, &lastRun, &nextRun); err != nil {
		return domain.ScheduledJob{}, err
	}
	j.Active = active != 0
	j.LastRun = fromMillis(lastRun)
	j.NextRun = fromMillis(nextRun)
	return j, nil
}

// SeedJobs inserts defaults when the table is empty. Each seeded job gets
// next_run = now + interval. It returns how many rows were inserted.
func (s *Store) SeedJobs(ctx context.Context, defaults []domain.ScheduledJob, now time.Time) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "storage.seed_jobs", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_jobs`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		for _, j := range defaults {
			next := now.Add(j.Interval())
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scheduled_jobs(name, description, interval_minutes, active, next_run) VALUES(?, ?, ?, ?, ?)`,
				j.Name, j.Description, j.IntervalMinutes, boolInt(j.Active), next.UnixMilli(),
			); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY id`)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "storage.list_jobs", err)
	}
	defer rows.Close()
	var out []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.E(domain.KindPersistence, "storage.list_jobs", err)
		}
		out = append(out, j)
	}
	return out, domain.E(domain.KindPersistence, "storage.list_jobs", rows.Err())
}

func (s *Store) GetJob(ctx context.Context, name string) (domain.ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledJob{}, domain.E(domain.KindNotFound, "storage.get_job", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ScheduledJob{}, domain.E(domain.KindPersistence, "storage.get_job", err)
	}
	return j, nil
}

// SetJobSchedule updates a job's interval and active flag, creating the row if needed.
func (s *Store) SetJobSchedule(ctx context.Context, j domain.ScheduledJob, now time.Time) error {
	return s.withTx(ctx, "storage.set_job_schedule", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scheduled_jobs(name, description, interval_minutes, active, next_run) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET interval_minutes = excluded.interval_minutes, active = excluded.active`,
			j.Name, j.Description, j.IntervalMinutes, boolInt(j.Active), now.Add(j.Interval()).UnixMilli(),
		)
		return err
	})
}

// RecordRun persists the outcome times of one execution.
func (s *Store) RecordRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	return s.withTx(ctx, "storage.record_run", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE scheduled_jobs SET last_run = ?, next_run = ? WHERE name = ?`,
			nullTime(lastRun), nullTime(nextRun), name,
		)
		return err
	})
}
