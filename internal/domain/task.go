package domain

import (
	"net/url"
	"strings"
	"time"
)

// Status is the local lifecycle state of a parse task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// External status vocabulary reported by the parsing queue.
const (
	ExternalProcessing = "ОБРАБАТЫВАЕТСЯ"
	ExternalDone       = "ВЫПОЛНЕНО"
	ExternalError      = "ОШИБКА"
)

// MapExternalStatus translates a queue status into the local one.
// The second result is false for anything outside the known vocabulary.
func MapExternalStatus(raw string) (Status, bool) {
	switch strings.TrimSpace(raw) {
	case ExternalProcessing:
		return StatusPending, true
	case ExternalDone:
		return StatusCompleted, true
	case ExternalError:
		return StatusFailed, true
	}
	return "", false
}

// Task is one source link tracked through the external parsing lifecycle.
//
// Empty strings and zero times stand for absent values.
type Task struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id,omitempty"`
	SourceLink  string    `json:"source_link"`
	Status      Status    `json:"status"`
	Queued      bool      `json:"queued"`
	ResultLink  string    `json:"result_link,omitempty"`
	HasRows     bool      `json:"has_rows"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// InFlight reports whether the task has been handed to the queue and has not
// produced a result yet.
func (t Task) InFlight() bool {
	return t.Status == StatusPending && t.Queued && t.ResultLink == ""
}

// Admissible reports whether the task may be submitted to the queue.
func (t Task) Admissible() bool {
	return t.Status == StatusPending && !t.Queued && t.ResultLink == ""
}

// Ingestable reports whether the task has a result sheet waiting to be read.
// A failed fetch does not take the task out of the selection.
func (t Task) Ingestable() bool {
	return !t.HasRows && t.ResultLink != ""
}

// ExternalTask is a task record as reported by the parsing queue.
//
// Pointer fields are nil when the key was absent from the payload.
// A present-but-null result link is reported as a non-nil empty string.
type ExternalTask struct {
	ID          string
	SourceLink  string
	CompletedAt *time.Time
	ResultLink  *string
	Status      *string
	Title       *string
}

// Empty reports whether the record carries nothing worth applying.
func (e ExternalTask) Empty() bool {
	return e.ID == "" && e.SourceLink == "" && e.CompletedAt == nil &&
		e.ResultLink == nil && e.Status == nil && e.Title == nil
}

// TaskUpdate is a partial write onto a local task; nil fields are left untouched.
// A non-nil empty ResultLink clears the column.
type TaskUpdate struct {
	ExternalID  *string
	CompletedAt *time.Time
	ResultLink  *string
	Status      *Status
	Title       *string
}

func (u TaskUpdate) Empty() bool {
	return u.ExternalID == nil && u.CompletedAt == nil && u.ResultLink == nil &&
		u.Status == nil && u.Title == nil
}

// Row is a single parsed sheet row keyed by its header names.
type Row map[string]string

// Detail is one per-item outcome line attached to a job report.
type Detail struct {
	TaskID  int64  `json:"task_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// NormalizeSourceLink trims raw and checks it is an absolute http(s) URL.
func NormalizeSourceLink(raw string) (string, error) {
	link := strings.TrimSpace(raw)
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", Errorf(KindInvalid, "domain.source_link", "not an http(s) link: %q", raw)
	}
	return link, nil
}
