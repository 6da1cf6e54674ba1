package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"sheetsync/internal/domain"
	"sheetsync/internal/storage"
	logx "sheetsync/pkg/logx"
)

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "storage": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) runtimeStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.status(c.Request.Context()))
}

type createTaskRequest struct {
	SourceLink string `json:"source_link" binding:"required"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.E(domain.KindInvalid, "httpapi.create_task", err))
		return
	}
	link, err := domain.NormalizeSourceLink(req.SourceLink)
	if err != nil {
		_ = c.Error(err)
		return
	}
	task, err := s.store.CreateTask(c.Request.Context(), link, s.now())
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.log.Info("task registered", logx.Task(task.ID), logx.String("via", "http"))
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultTaskLimit, 1, maxTaskLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	f := storage.TaskFilter{Limit: limit, Newest: true}
	if raw := c.Query("status"); raw != "" {
		st := domain.Status(raw)
		if !st.Valid() {
			_ = c.Error(domain.Errorf(domain.KindInvalid, "httpapi.list_tasks", "unknown status %q", raw))
			return
		}
		f.Status = st
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) listJobs(c *gin.Context) {
	list, err := s.jobs.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// runJob answers 200 with the run report even when the run failed; only an
// unknown job name is an HTTP error.
func (s *Server) runJob(c *gin.Context) {
	rep, err := s.jobs.RunNow(c.Request.Context(), c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type sheetStat struct {
	SheetID           string `json:"sheet_id"`
	TotalRecords      int    `json:"total_records"`
	UnexportedRecords int    `json:"unexported_records"`
}

type statsResponse struct {
	TotalSheets       int         `json:"total_sheets"`
	TotalRecords      int         `json:"total_records"`
	UnexportedRecords int         `json:"unexported_records"`
	Sheets            []sheetStat `json:"sheets"`
}

func (s *Server) sheetStats(c *gin.Context) {
	stats, err := s.store.SheetStats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := statsResponse{TotalSheets: len(stats), Sheets: make([]sheetStat, 0, len(stats))}
	for _, st := range stats {
		out.TotalRecords += st.Rows
		out.UnexportedRecords += st.Unsent
		out.Sheets = append(out.Sheets, sheetStat{SheetID: st.TableID, TotalRecords: st.Rows, UnexportedRecords: st.Unsent})
	}
	c.JSON(http.StatusOK, out)
}

type exportResponse struct {
	SheetID          string       `json:"sheet_id"`
	Count            int          `json:"count"`
	Data             []domain.Row `json:"data"`
	RemainingRecords int          `json:"remaining_records"`
	NextBatch        *string      `json:"next_batch"`
	Message          string       `json:"message,omitempty"`
}

func (s *Server) exportSheet(c *gin.Context) {
	id := c.Param("id")
	size, err := intQuery(c, "batch_size", defaultExportBatch, 1, maxExportBatch)
	if err != nil {
		_ = c.Error(err)
		return
	}
	batch, err := s.store.ExportBatch(c.Request.Context(), id, size)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := exportResponse{
		SheetID:          id,
		Count:            len(batch.Rows),
		Data:             make([]domain.Row, 0, len(batch.Rows)),
		RemainingRecords: batch.Remaining,
	}
	for _, r := range batch.Rows {
		out.Data = append(out.Data, r.Payload)
	}
	if out.Count == 0 {
		out.Message = "no unexported records available"
	}
	if batch.Remaining > 0 {
		next := fmt.Sprintf("/api/sheets/%s/export?batch_size=%d", url.PathEscape(id), size)
		out.NextBatch = &next
	}
	c.JSON(http.StatusOK, out)
}

func intQuery(c *gin.Context, key string, def, lo, hi int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, domain.Errorf(domain.KindInvalid, "httpapi.query", "%s must be an integer in [%d, %d]", key, lo, hi)
	}
	return n, nil
}
