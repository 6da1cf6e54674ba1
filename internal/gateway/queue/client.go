// Package queue talks to the eshmakar parsing queue API.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sheetsync/internal/domain"
	logx "sheetsync/pkg/logx"
)

// AcceptedText is the exact body the queue returns when a submission is taken.
const AcceptedText = "Задача успешно добавлена!"

// IsAccepted reports whether a submit response means the task was accepted.
func IsAccepted(text string) bool { return strings.TrimSpace(text) == AcceptedText }

const (
	DefaultBaseURL = "https://eshmakar.ru/API/V1"

	pathAdd    = "/tasks/add"
	pathAll    = "/tasks/all"
	pathLatest = "/tasks/last"

	maxBody = 16 << 20
)

// Config configures the queue client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
}

// SubmitOptions are the per-submission flags understood by the queue.
type SubmitOptions struct {
	PageCount         int
	SendReportToEmail bool
	RemoveDuplicates  bool
	SellerParams      bool
	IsScheduled       bool
}

// DefaultSubmitOptions returns the flags used for scheduled admissions.
func DefaultSubmitOptions(pageCount int) SubmitOptions {
	if pageCount <= 0 {
		pageCount = 1
	}
	return SubmitOptions{PageCount: pageCount, RemoveDuplicates: true}
}

// Client is safe for concurrent use. Concurrent reads of the same endpoint
// share one request.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	log     logx.Logger
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log.With(logx.String("comp", "queue")),
	}
}

type submitBody struct {
	Link              string `json:"link"`
	PageCount         int    `json:"countOfPageToParse"`
	SendReportToEmail bool   `json:"sendReportToEmail"`
	RemoveDuplicates  bool   `json:"removeDuplicates"`
	SellerParams      bool   `json:"sellerParams"`
	IsScheduled       bool   `json:"isScheduled"`
}

// Submit hands a link to the queue and returns the raw response text.
// Non-2xx responses are transport failures carrying the status class.
func (c *Client) Submit(ctx context.Context, link string, opt SubmitOptions) (string, error) {
	const op = "queue.submit"
	if opt.PageCount <= 0 {
		opt.PageCount = 1
	}
	body, err := json.Marshal(submitBody{
		Link:              link,
		PageCount:         opt.PageCount,
		SendReportToEmail: opt.SendReportToEmail,
		RemoveDuplicates:  opt.RemoveDuplicates,
		SellerParams:      opt.SellerParams,
		IsScheduled:       opt.IsScheduled,
	})
	if err != nil {
		return "", domain.E(domain.KindInvalid, op, err)
	}
	b, err := c.do(ctx, op, http.MethodPost, pathAdd, body)
	if err != nil {
		return "", err
	}
	text := string(b)
	c.log.Debug("submit answered", logx.String("link", link), logx.String("response", text))
	return text, nil
}

// ListAll returns every task the queue knows about for this token.
func (c *Client) ListAll(ctx context.Context) ([]domain.ExternalTask, error) {
	v, err, shared := c.group.Do(pathAll, func() (any, error) {
		b, err := c.do(ctx, "queue.list_all", http.MethodGet, pathAll, nil)
		if err != nil {
			return nil, err
		}
		return decodeList(b)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("list_all shared with concurrent caller")
	}
	return v.([]domain.ExternalTask), nil
}

// FetchLatest returns the most recently updated task. An empty record means
// the queue had nothing to report.
func (c *Client) FetchLatest(ctx context.Context) (domain.ExternalTask, error) {
	v, err, _ := c.group.Do(pathLatest, func() (any, error) {
		b, err := c.do(ctx, "queue.fetch_latest", http.MethodGet, pathLatest, nil)
		if err != nil {
			return nil, err
		}
		return decodeOne(b)
	})
	if err != nil {
		return domain.ExternalTask{}, err
	}
	return v.(domain.ExternalTask), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.E(domain.KindTransport, op, err)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, domain.E(domain.KindTransport, op, err)
	}
	req.Header.Set("Token", c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.E(domain.KindTransport, op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, domain.E(domain.KindTransport, op, err)
	}
	c.log.Debug("queue call",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.Error{
			Kind: domain.KindTransport,
			Op:   op,
			Code: classifyStatus(resp.StatusCode),
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(b)), 200)),
		}
	}
	return b, nil
}

func classifyStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return domain.CodeBadRequest
	case http.StatusUnauthorized:
		return domain.CodeUnauthorized
	case http.StatusNotFound:
		return domain.CodeNotFound
	default:
		return domain.CodeUnknown
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
