package sheets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/domain"
	logx "sheetsync/pkg/logx"
)

func TestExtractTableID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		link string
		want string
	}{
		{"https://docs.google.com/spreadsheets/d/1S3JQVdYcau-IgX_B6/edit", "1S3JQVdYcau-IgX_B6"},
		{"https://docs.google.com/spreadsheets/d/abc123", "abc123"},
		{"https://drive.google.com/file/d/xyz/view?usp=sharing", "xyz"},
		{"https://docs.google.com/spreadsheets/d/e/2PACX-1vQ/pubhtml", "2PACX-1vQ"},
	}
	for _, tt := range tests {
		got, err := ExtractTableID(tt.link)
		require.NoError(t, err, tt.link)
		require.Equal(t, tt.want, got, tt.link)
	}

	_, err := ExtractTableID("https://example.com/nothing-here")
	require.Equal(t, domain.KindExtraction, domain.KindOf(err))
}

func TestFetchTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spreadsheets/d/good/export":
			require.Equal(t, "csv", r.URL.Query().Get("format"))
			_, _ = io.WriteString(w, "name,price\nЧайник,100\n")
		case "/spreadsheets/d/e/2PACX-1vQ/pub":
			require.Equal(t, "csv", r.URL.Query().Get("output"))
			_, _ = io.WriteString(w, "a\n1\n")
		case "/spreadsheets/d/latin1/export":
			_, _ = w.Write([]byte{'a', ',', 0xff, '\n'})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, srv.Client(), logx.Nop())

	body, err := c.FetchTable(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, "name,price\nЧайник,100\n", body)

	body, err = c.FetchTable(context.Background(), "2PACX-1vQ")
	require.NoError(t, err)
	require.Equal(t, "a\n1\n", body)

	_, err = c.FetchTable(context.Background(), "latin1")
	require.Equal(t, domain.KindDecode, domain.KindOf(err))

	_, err = c.FetchTable(context.Background(), "missing")
	require.Equal(t, domain.KindTransport, domain.KindOf(err))
	require.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestFetchTableRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spreadsheets/d/big/export":
			_, _ = io.WriteString(w, "name,price\naaaaaaaaaa,1\nbbbbbbbbbb,2\n")
		case "/spreadsheets/d/exact/export":
			_, _ = io.WriteString(w, "name,price\naaaaaaaaaa,1\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxBytes: 24}, srv.Client(), logx.Nop())

	body, err := c.FetchTable(context.Background(), "big")
	require.Empty(t, body)
	require.Equal(t, domain.KindDecode, domain.KindOf(err))
	require.ErrorContains(t, err, "table too large")

	body, err = c.FetchTable(context.Background(), "exact")
	require.NoError(t, err)
	require.Equal(t, "name,price\naaaaaaaaaa,1\n", body)
}
