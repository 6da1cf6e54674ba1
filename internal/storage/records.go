package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"sheetsync/internal/domain"
	logx "sheetsync/pkg/logx"
)

// HashedRow is a parsed row together with its content digest.
type HashedRow struct {
	Hash    string
	Payload []byte // canonical JSON of the row
}

// StoreRows inserts the rows not seen before for tableID and, when at least
// one was new, flags the task as having rows. Everything runs in one
// transaction. A row whose insert fails is skipped.
func (s *Store) StoreRows(ctx context.Context, taskID int64, tableID string, rows []HashedRow, now time.Time) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "storage.store_rows", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO sheet_rows(task_id, table_id, content_hash, payload, exported, created_at)
			 VALUES(?, ?, ?, ?, 0, ?)
			 ON CONFLICT(table_id, content_hash) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		ts := now.UnixMilli()
		for i, r := range rows {
			res, err := stmt.ExecContext(ctx, taskID, tableID, r.Hash, string(r.Payload), ts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("row insert skipped",
					logx.Int64("task_id", taskID),
					logx.String("table_id", tableID),
					logx.Int("row", i+1),
					logx.Any("err", err),
				)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}

		if inserted > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET has_rows = 1 WHERE id = ?`, taskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// RowExists reports whether a row with hash is stored for tableID.
func (s *Store) RowExists(ctx context.Context, tableID, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sheet_rows WHERE table_id = ? AND content_hash = ?`, tableID, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.E(domain.KindPersistence, "storage.row_exists", err)
	}
	return true, nil
}

// SheetStats summarizes stored rows per table.
func (s *Store) SheetStats(ctx context.Context) ([]SheetStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, COUNT(*), SUM(CASE WHEN exported = 0 THEN 1 ELSE 0 END), MIN(created_at), MAX(created_at)
		 FROM sheet_rows GROUP BY table_id ORDER BY table_id`)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "storage.sheet_stats", err)
	}
	defer rows.Close()

	var out []SheetStat
	for rows.Next() {
		var (
			st          SheetStat
			first, last int64
		)
		if err := rows.Scan(&st.TableID, &st.Rows, &st.Unsent, &first, &last); err != nil {
			return nil, domain.E(domain.KindPersistence, "storage.sheet_stats", err)
		}
		st.FirstSeen = time.UnixMilli(first)
		st.LastSeen = time.UnixMilli(last)
		out = append(out, st)
	}
	return out, domain.E(domain.KindPersistence, "storage.sheet_stats", rows.Err())
}

// ExportBatch returns up to limit unexported rows of tableID in insertion
// order and marks them exported in the same transaction. An unknown table
// is a not-found failure.
func (s *Store) ExportBatch(ctx context.Context, tableID string, limit int) (ExportBatch, error) {
	out := ExportBatch{TableID: tableID, Rows: []ExportedRow{}}
	err := s.withTx(ctx, "storage.export_batch", func(tx *sql.Tx) error {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sheet_rows WHERE table_id = ?`, tableID).Scan(&total); err != nil {
			return err
		}
		if total == 0 {
			return domain.Errorf(domain.KindNotFound, "storage.export_batch", "table %q has no stored rows", tableID)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, task_id, content_hash, payload, created_at FROM sheet_rows
			 WHERE table_id = ? AND exported = 0 ORDER BY id LIMIT ?`, tableID, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				r       ExportedRow
				payload string
				created int64
			)
			if err := rows.Scan(&r.ID, &r.TaskID, &r.Hash, &payload, &created); err != nil {
				rows.Close()
				return err
			}
			if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
				rows.Close()
				return domain.E(domain.KindDecode, "storage.export_batch", err)
			}
			r.CreatedAt = time.UnixMilli(created)
			out.Rows = append(out.Rows, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range out.Rows {
			if _, err := tx.ExecContext(ctx, `UPDATE sheet_rows SET exported = 1 WHERE id = ?`, r.ID); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sheet_rows WHERE table_id = ? AND exported = 0`, tableID).Scan(&out.Remaining)
	})
	if err != nil {
		return ExportBatch{}, err
	}
	return out, nil
}
