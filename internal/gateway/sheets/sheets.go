// Package sheets fetches published Google Sheets as CSV.
package sheets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"sheetsync/internal/domain"
	logx "sheetsync/pkg/logx"
)

const DefaultBaseURL = "https://docs.google.com"

const maxCSV = 64 << 20

// Known link shapes, tried in order. Published links (/d/e/<id>/) go first
// so their "e" segment is never taken for an identifier.
var tableIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/d/e/([a-zA-Z0-9_-]+)/`),
	regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)/`),
}

// publishedPrefix marks identifiers of sheets published to the web, which
// have their own export endpoint.
const publishedPrefix = "2PACX-"

// ExtractTableID finds the spreadsheet identifier in a result link.
func ExtractTableID(link string) (string, error) {
	for _, re := range tableIDPatterns {
		if m := re.FindStringSubmatch(link); len(m) == 2 {
			return m[1], nil
		}
	}
	return "", domain.Errorf(domain.KindExtraction, "sheets.extract_id", "unrecognized sheet link %q", link)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxBytes caps the CSV body; larger tables fail with KindDecode.
	MaxBytes int64
}

type Client struct {
	base  string
	limit int64
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = maxCSV
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{base: base, limit: cfg.MaxBytes, http: hc, log: log.With(logx.String("comp", "sheets"))}
}

// FetchTable downloads the CSV export of a table. The body must be UTF-8.
func (c *Client) FetchTable(ctx context.Context, tableID string) (string, error) {
	const op = "sheets.fetch"
	u := fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv", c.base, url.PathEscape(tableID))
	if strings.HasPrefix(tableID, publishedPrefix) {
		u = fmt.Sprintf("%s/spreadsheets/d/e/%s/pub?output=csv", c.base, url.PathEscape(tableID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", domain.E(domain.KindTransport, op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.E(domain.KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &domain.Error{
			Kind: domain.KindTransport,
			Op:   op,
			Code: classifyStatus(resp.StatusCode),
			Err:  fmt.Errorf("table %s: http %d", tableID, resp.StatusCode),
		}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, c.limit+1))
	if err != nil {
		return "", domain.E(domain.KindTransport, op, err)
	}
	// A cut body would end in a partial record.
	if int64(len(b)) > c.limit {
		return "", domain.Errorf(domain.KindDecode, op, "table %s: table too large (over %d bytes)", tableID, c.limit)
	}
	if !utf8.Valid(b) {
		return "", domain.Errorf(domain.KindDecode, op, "table %s: body is not valid UTF-8", tableID)
	}
	c.log.Debug("table fetched", logx.String("table_id", tableID), logx.Int("bytes", len(b)))
	return string(b), nil
}

func classifyStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return domain.CodeBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.CodeUnauthorized
	case http.StatusNotFound:
		return domain.CodeNotFound
	default:
		return domain.CodeUnknown
	}
}
