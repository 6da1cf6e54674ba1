package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/domain"
	logx "sheetsync/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "secret", RatePerSec: 1000}, srv.Client(), logx.Nop())
}

func TestSubmitSendsTokenAndFlags(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tasks/add", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("Token"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = io.WriteString(w, AcceptedText)
	})

	text, err := c.Submit(context.Background(), "https://x/a", DefaultSubmitOptions(3))
	require.NoError(t, err)
	require.True(t, IsAccepted(text))
	require.Equal(t, "https://x/a", got["link"])
	require.EqualValues(t, 3, got["countOfPageToParse"])
	require.Equal(t, true, got["removeDuplicates"])
	require.Equal(t, false, got["isScheduled"])
}

func TestSubmitClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, domain.CodeBadRequest},
		{http.StatusUnauthorized, domain.CodeUnauthorized},
		{http.StatusNotFound, domain.CodeNotFound},
		{http.StatusBadGateway, domain.CodeUnknown},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, "nope")
		})
		_, err := c.Submit(context.Background(), "https://x/a", DefaultSubmitOptions(1))
		require.Error(t, err)
		require.Equal(t, domain.KindTransport, domain.KindOf(err))
		require.Equal(t, tt.code, domain.CodeOf(err))
	}
}

func TestIsAccepted(t *testing.T) {
	require.True(t, IsAccepted(" Задача успешно добавлена!\n"))
	require.False(t, IsAccepted("Лимит задач исчерпан"))
	require.False(t, IsAccepted(""))
}

func TestListAllDecodesPresence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/all", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"id": 9, "linkToParse": "https://x/a?b=1", "createdDate": 1688050495000, "parsedDate": 1688050602000,
			 "linkToGoogleSheet": "https://docs.google.com/spreadsheets/d/abc/edit", "status": "ВЫПОЛНЕНО", "title": "A"},
			{"id": "10", "linkToParse": "https://x/b", "parsedDate": null, "linkToGoogleSheet": null, "status": "ОБРАБАТЫВАЕТСЯ"}
		]`)
	})

	tasks, err := c.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	a := tasks[0]
	require.Equal(t, "9", a.ID)
	require.Equal(t, "https://x/a?b=1", a.SourceLink)
	require.NotNil(t, a.CompletedAt)
	require.Equal(t, time.UnixMilli(1688050602000), *a.CompletedAt)
	require.Equal(t, "https://docs.google.com/spreadsheets/d/abc/edit", *a.ResultLink)
	require.Equal(t, "ВЫПОЛНЕНО", *a.Status)
	require.Equal(t, "A", *a.Title)

	b := tasks[1]
	require.Equal(t, "10", b.ID)
	require.Nil(t, b.CompletedAt)
	require.NotNil(t, b.ResultLink)
	require.Empty(t, *b.ResultLink)
	require.Nil(t, b.Title)
}

func TestListAllDecodeFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not": "a list"`)
	})
	_, err := c.ListAll(context.Background())
	require.Equal(t, domain.KindDecode, domain.KindOf(err))
}

func TestFetchLatest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/last", r.URL.Path)
		_, _ = io.WriteString(w, `{"id": 11, "status": "ОШИБКА"}`)
	})
	got, err := c.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "11", got.ID)
	require.Equal(t, "ОШИБКА", *got.Status)
	require.Nil(t, got.ResultLink)
}

func TestFetchLatestNull(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `null`)
	})
	got, err := c.FetchLatest(context.Background())
	require.NoError(t, err)
	require.True(t, got.Empty())
}
