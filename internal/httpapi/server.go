package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sheetsync/internal/domain"
	"sheetsync/internal/jobs"
	"sheetsync/internal/storage"
	logx "sheetsync/pkg/logx"
)

// Store is the persistence the API reads and writes. *storage.Store
// satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, sourceLink string, now time.Time) (domain.Task, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error)
	SheetStats(ctx context.Context) ([]storage.SheetStat, error)
	ExportBatch(ctx context.Context, tableID string, limit int) (storage.ExportBatch, error)
}

// Jobs is satisfied by *jobs.Manager.
type Jobs interface {
	List(ctx context.Context) ([]jobs.Status, error)
	RunNow(ctx context.Context, name string) (jobs.RunReport, error)
}

// StatusFunc reports runtime state for /api/status.
type StatusFunc func(ctx context.Context) any

type Option func(*Server)

func WithStatus(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

type Config struct {
	Addr  string
	Token string // empty disables auth on /api
}

const (
	defaultExportBatch = 5
	maxExportBatch     = 50
	defaultTaskLimit   = 50
	maxTaskLimit       = 500
)

var ginMode sync.Once

type Server struct {
	store  Store
	jobs   Jobs
	status StatusFunc
	log    logx.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token string

	engine *gin.Engine
}

func New(cfg Config, store Store, jm Jobs, log logx.Logger, opts ...Option) *Server {
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		store: store,
		jobs:  jm,
		log:   log.With(logx.String("comp", "httpapi")),
		now:   time.Now,
		token: cfg.Token,
	}
	for _, o := range opts {
		o(s)
	}
	s.engine = s.routes()
	return s
}

// SetToken swaps the bearer token used for /api.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLog(), errorResponder())

	r.GET("/healthz", s.health)

	api := r.Group("/api", s.auth())
	api.GET("/tasks", s.listTasks)
	api.POST("/tasks", s.createTask)
	api.GET("/status", s.runtimeStatus)
	api.GET("/jobs", s.listJobs)
	api.POST("/jobs/:name/run", s.runJob)
	api.GET("/sheets/stats", s.sheetStats)
	api.GET("/sheets/:id/export", s.exportSheet)
	return r
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.RLock()
		token := s.token
		s.mu.RUnlock()
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		s.log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request failed", append(fields, logx.String("error", c.Errors.String()))...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// errorResponder renders the last error a handler attached with c.Error.
func errorResponder() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		kind := domain.KindOf(last.Err)
		c.JSON(statusFor(kind), errorBody{Error: last.Err.Error(), Kind: kind.String()})
	}
}

func statusFor(k domain.Kind) int {
	switch k {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindTransport, domain.KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
