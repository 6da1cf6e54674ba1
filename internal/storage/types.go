package storage

import (
	"time"

	"sheetsync/internal/domain"
)

// Config configures storage.
//
// Path is a filesystem path or a SQLite URI such as
// "file:sheetsync?mode=memory&cache=shared".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status domain.Status
	Limit  int
	Newest bool // newest first
}

// SheetStat summarizes the rows stored for one table.
type SheetStat struct {
	TableID   string    `json:"table_id"`
	Rows      int       `json:"rows"`
	Unsent    int       `json:"unsent"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ExportedRow is a row handed to a downstream consumer.
type ExportedRow struct {
	ID        int64      `json:"id"`
	TaskID    int64      `json:"task_id"`
	Hash      string     `json:"hash"`
	Payload   domain.Row `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// ExportBatch is one page of not-yet-exported rows for a table.
type ExportBatch struct {
	TableID   string        `json:"table_id"`
	Rows      []ExportedRow `json:"rows"`
	Remaining int           `json:"remaining"`
}
