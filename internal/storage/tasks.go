package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"sheetsync/internal/domain"
)

const taskColumns = `id, external_id, source_link, status, queued, result_link, has_rows, title, created_at, completed_at`

// Predicates shared by the admission queries. An empty result link counts as absent.
const (
	inFlightWhere   = `status = 'pending' AND queued = 1 AND (result_link IS NULL OR result_link = '')`
	admissibleWhere = `status = 'pending' AND queued = 0 AND (result_link IS NULL OR result_link = '')`
	ingestableWhere = `has_rows = 0 AND result_link IS NOT NULL AND result_link != ''`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t           domain.Task
		externalID  sql.NullString
		status      string
		queued      int
		resultLink  sql.NullString
		hasRows     int
		title       sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
	)
	if err := r.Scan(&t.ID, &externalID, &t.SourceLink, &status, &queued, &resultLink, &hasRows, &title, &createdAt, &completedAt); err != nil {
		return domain.Task{}, err
	}
	t.ExternalID = externalID.String
	t.Status = domain.Status(status)
	t.Queued = queued != 0
	t.ResultLink = resultLink.String
	t.HasRows = hasRows != 0
	t.Title = title.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.CompletedAt = fromMillis(completedAt)
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.E(domain.KindPersistence, op, err)
		}
		out = append(out, t)
	}
	return out, domain.E(domain.KindPersistence, op, rows.Err())
}

func (s *Store) findOne(ctx context.Context, op, query string, args ...any) (domain.Task, bool, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, domain.E(domain.KindPersistence, op, err)
	}
	return t, true, nil
}

// CreateTask registers a new source link in the initial state.
func (s *Store) CreateTask(ctx context.Context, sourceLink string, now time.Time) (domain.Task, error) {
	link := strings.TrimSpace(sourceLink)
	if link == "" {
		return domain.Task{}, domain.Errorf(domain.KindInvalid, "storage.create_task", "source link is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(source_link, status, queued, has_rows, created_at) VALUES(?, 'pending', 0, 0, ?)`,
		link, now.UnixMilli(),
	)
	if err != nil {
		return domain.Task{}, domain.E(domain.KindPersistence, "storage.create_task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, domain.E(domain.KindPersistence, "storage.create_task", err)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, ok, err := s.findOne(ctx, "storage.get_task", `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, domain.E(domain.KindNotFound, "storage.get_task", domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	if f.Newest {
		q += ` ORDER BY id DESC`
	} else {
		q += ` ORDER BY id`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, "storage.list_tasks", q, args...)
}

// CountInFlight counts tasks handed to the queue that have no result yet.
func (s *Store) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+inFlightWhere).Scan(&n)
	if err != nil {
		return 0, domain.E(domain.KindPersistence, "storage.count_in_flight", err)
	}
	return n, nil
}

// FindInFlight returns the oldest in-flight task, if any.
func (s *Store) FindInFlight(ctx context.Context) (domain.Task, bool, error) {
	return s.findOne(ctx, "storage.find_in_flight",
		`SELECT `+taskColumns+` FROM tasks WHERE `+inFlightWhere+` ORDER BY created_at, id LIMIT 1`)
}

// NextAdmissible returns the earliest-created task eligible for submission.
func (s *Store) NextAdmissible(ctx context.Context) (domain.Task, bool, error) {
	return s.findOne(ctx, "storage.next_admissible",
		`SELECT `+taskColumns+` FROM tasks WHERE `+admissibleWhere+` ORDER BY created_at, id LIMIT 1`)
}

// MarkQueued flags the task as accepted by the queue. The write only happens
// while the task is still admissible and no other task is in flight; the
// boolean reports whether it did.
func (s *Store) MarkQueued(ctx context.Context, id int64) (bool, error) {
	var marked bool
	err := s.withTx(ctx, "storage.mark_queued", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET queued = 1
			 WHERE id = ? AND `+admissibleWhere+`
			   AND NOT EXISTS (SELECT 1 FROM tasks WHERE `+inFlightWhere+`)`,
			id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		marked = n == 1
		return nil
	})
	return marked, err
}

// ListPending returns every pending task in creation order.
func (s *Store) ListPending(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, "storage.list_pending",
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY created_at, id`)
}

// ApplyUpdate writes the non-nil fields of u onto the task in one statement.
// It reports whether any stored value changed.
func (s *Store) ApplyUpdate(ctx context.Context, id int64, u domain.TaskUpdate) (bool, error) {
	if u.Empty() {
		return false, nil
	}
	var (
		sets  []string
		diffs []string
		args  []any
		cmp   []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		diffs = append(diffs, col+" IS NOT ?")
		args = append(args, v)
		cmp = append(cmp, v)
	}
	if u.ExternalID != nil {
		add("external_id", nullStr(*u.ExternalID))
	}
	if u.CompletedAt != nil {
		add("completed_at", nullTime(*u.CompletedAt))
	}
	if u.ResultLink != nil {
		add("result_link", nullStr(*u.ResultLink))
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return false, domain.Errorf(domain.KindInvalid, "storage.apply_update", "invalid status %q", *u.Status)
		}
		add("status", string(*u.Status))
	}
	if u.Title != nil {
		add("title", nullStr(*u.Title))
	}

	q := `UPDATE tasks SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND (` + strings.Join(diffs, " OR ") + `)`
	all := append(append(args, id), cmp...)

	var changed bool
	err := s.withTx(ctx, "storage.apply_update", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, all...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// ListIngestable returns up to limit tasks whose result sheet has not yielded rows yet.
func (s *Store) ListIngestable(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryTasks(ctx, "storage.list_ingestable",
		`SELECT `+taskColumns+` FROM tasks WHERE `+ingestableWhere+` ORDER BY id LIMIT ?`, limit)
}

// MarkFailed moves a task to failed and stamps its completion time.
func (s *Store) MarkFailed(ctx context.Context, id int64, at time.Time) error {
	return s.withTx(ctx, "storage.mark_failed", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'failed', completed_at = ? WHERE id = ?`,
			at.UnixMilli(), id,
		)
		return err
	})
}

// ResetDaily returns every non-failed task to its initial state and reports
// how many rows were touched.
func (s *Store) ResetDaily(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, "storage.reset_daily", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks
			 SET status = 'pending', result_link = NULL, has_rows = 0, queued = 0, completed_at = NULL
			 WHERE status != 'failed'`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
