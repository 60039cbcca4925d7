package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice", body["username"])
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "tok-1",
				"refresh_token": "ref-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"user":          map[string]any{"id": 2, "username": "alice", "role": "user"},
			})
		case "/api/v1/auth/me":
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{"id": 2, "username": "alice"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", resp.RefreshToken)
	assert.Equal(t, "alice", resp.User.Username)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), me.ID)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "task is already running",
			"kind":       "invalid_state",
			"request_id": "req-1",
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL).StartTask(context.Background(), 7)
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Kind)
	assert.Equal(t, "task is already running", apiErr.Error())
	assert.True(t, IsStatus(err, http.StatusConflict))
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Ready(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestListTasksQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks", r.URL.Path)
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Empty(t, r.URL.Query().Get("apply_id"))
		json.NewEncoder(w).Encode(map[string]any{
			"items":     []map[string]any{{"id": 5, "status": "running", "target_url": "http://svc"}},
			"total":     21,
			"page":      2,
			"page_size": 20,
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListTasks(context.Background(), ListOptions{
		Page:    2,
		Filters: map[string]string{"status": "running", "apply_id": ""},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.TaskStatusRunning, page.Items[0].Status)
	assert.Equal(t, int64(21), page.Total)
}

func TestTaskActionQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/tasks/9/start", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": 9, "status": "pending", "queued": true})
	}))
	defer srv.Close()

	res, err := New(srv.URL).StartTask(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, int64(9), res.ID)
}

func TestExportReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/reports/3/export/csv", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="report-3.csv"`)
		io.WriteString(w, "metric,value\n")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	name, err := New(srv.URL).ExportReport(context.Background(), 3, "csv", &buf)
	require.NoError(t, err)
	assert.Equal(t, "report-3.csv", name)
	assert.Equal(t, "metric,value\n", buf.String())
}

func TestStreamLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		for seq := 3; seq <= 4; seq++ {
			fmt.Fprintf(w, "id: %d\nevent: log\ndata: {\"seq\":%d,\"level\":\"info\",\"message\":\"line %d\"}\n\n", seq, seq, seq)
		}
		fmt.Fprint(w, "event: end\ndata: {}\n\n")
	}))
	defer srv.Close()

	var got []string
	last, err := New(srv.URL).StreamLogs(context.Background(), 1, 2, func(e *domain.LogEntry) error {
		got = append(got, e.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 3", "line 4"}, got)
	assert.Equal(t, int64(4), last)
}

func TestStreamLogsUnexpectedEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: log\ndata: {\"seq\":1,\"message\":\"a\"}\n\n")
	}))
	defer srv.Close()

	last, err := New(srv.URL).StreamLogs(context.Background(), 1, 0, func(*domain.LogEntry) error { return nil })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int64(1), last)
}

func TestReadEventsMultilineData(t *testing.T) {
	input := "event: note\ndata: a\ndata: b\n\n"
	var events []sseEvent
	err := readEvents(strings.NewReader(input), func(ev sseEvent) (bool, error) {
		events = append(events, ev)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "note", events[0].event)
	assert.Equal(t, "a\nb", events[0].data)
}
