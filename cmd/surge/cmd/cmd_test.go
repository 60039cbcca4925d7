package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// execute 以给定参数运行根命令，返回标准输出内容。
func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	viper.Set("api_url", serverURL)
	viper.Set("token", "tok-test")
	t.Cleanup(func() {
		viper.Set("api_url", "")
		viper.Set("token", "")
	})

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestTaskList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Errorf("expected path /api/v1/tasks, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-test" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		if got := r.URL.Query().Get("status"); got != "running" {
			t.Errorf("expected status filter, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"id":          41,
					"apply_id":    7,
					"target_url":  "http://api.example.com/health",
					"concurrency": 100,
					"threads":     4,
					"duration":    "30s",
					"status":      "running",
					"created_at":  "2026-01-26T00:00:00Z",
				},
			},
			"total": 1,
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "task", "list", "--status", "running")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "41") || !strings.Contains(output, "api.example.com") || !strings.Contains(output, "running") {
		t.Errorf("unexpected output: %s", output)
	}
	listStatus = ""
}

func TestApplySubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/apply" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["domain"] != "api.example.com" || body["record_info"] != "release check" {
			t.Errorf("unexpected body: %v", body)
		}
		if body["concurrency"] != float64(100) || body["duration"] != "30s" || body["method"] != "POST" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           12,
			"domain":       "api.example.com",
			"url":          "/orders",
			"method":       "POST",
			"record_info":  "release check",
			"concurrency":  100,
			"duration":     "30s",
			"audit_status": "pending",
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "apply", "submit",
		"--domain", "api.example.com", "--url", "/orders", "-X", "POST",
		"--record", "release check", "-c", "100", "-d", "30s")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "ID:          12") || !strings.Contains(output, "pending") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestApplyAuditRequiresDecision(t *testing.T) {
	auditApprove, auditReject = false, false
	_, err := execute(t, "http://127.0.0.1:1", "apply", "audit", "12")
	if err == nil || !strings.Contains(err.Error(), "--approve or --reject") {
		t.Fatalf("expected decision error, got %v", err)
	}
}

func TestApplyAuditApprove(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/apply/12/audit" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["approved"] != true {
			t.Errorf("expected approval, got %v", body)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"application": map[string]interface{}{"id": 12, "audit_status": "approved"},
			"task":        map[string]interface{}{"id": 34, "status": "pending"},
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "apply", "audit", "12", "--approve")
	auditApprove = false
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "surge task start 34") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestTaskStartQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks/34/start" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": 34, "status": "pending", "queued": true})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "task", "start", "34")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "Task 34 queued") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestTaskStartError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "task is already running", "kind": "invalid_state"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "task", "start", "34")
	if err == nil || err.Error() != "task is already running" {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestLogsFollow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/34/logs/stream" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: log\ndata: {\"seq\":1,\"level\":\"info\",\"message\":\"load test started\",\"created_at\":\"2026-01-26T00:00:00Z\"}\n\n")
		fmt.Fprint(w, "id: 2\nevent: log\ndata: {\"seq\":2,\"level\":\"info\",\"message\":\"load test completed\",\"terminal\":true,\"created_at\":\"2026-01-26T00:00:30Z\"}\n\n")
		fmt.Fprint(w, "event: end\ndata: {}\n\n")
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "logs", "34", "--follow")
	logsFollow = false
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "load test started") || !strings.Contains(output, "load test completed") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestLogsPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") != "0" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"logs":  []map[string]interface{}{{"seq": 1, "level": "warning", "message": "slow target"}},
			"total": 3,
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "logs", "34", "-n", "1")
	logsLimit = 100
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "WARNING") || !strings.Contains(output, "--skip 1") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestLoginSavesToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "s3cret pass" {
			t.Errorf("unexpected credentials: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"user":          map[string]interface{}{"id": 2, "username": "alice", "role": "user"},
		})
	}))
	defer server.Close()

	cfgPath := filepath.Join(t.TempDir(), "surge.yaml")
	rootCmd.SetIn(strings.NewReader("s3cret pass\n"))
	defer rootCmd.SetIn(nil)

	output, err := execute(t, server.URL, "login", "--config", cfgPath, "-U", "alice", "--password-stdin")
	cfgFile, loginUsername, loginPasswordStdin = "", "", false
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "Logged in as alice") {
		t.Errorf("unexpected output: %s", output)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "access-1") || !strings.Contains(string(data), "refresh-1") {
		t.Errorf("tokens not saved: %s", data)
	}
}

func TestReportExport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/reports/task/34":
			json.NewEncoder(w).Encode(map[string]interface{}{"id": 5, "task_id": 34, "status": "completed"})
		case "/api/v1/reports/5/export/csv":
			w.Header().Set("Content-Disposition", `attachment; filename="report-5.csv"`)
			io.WriteString(w, "metric,value\ntotal_requests,100\n")
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out := filepath.Join(t.TempDir(), "out.csv")
	output, err := execute(t, server.URL, "report", "export", "34", "--file", out)
	reportOutputFile = ""
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "exported to "+out) {
		t.Errorf("unexpected output: %s", output)
	}
	data, err := os.ReadFile(out)
	if err != nil || !strings.Contains(string(data), "total_requests,100") {
		t.Errorf("unexpected export: %q, %v", data, err)
	}
}

func TestStatsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"users":   3,
			"tasks":   map[string]int{"running": 2, "completed": 5},
			"running": 2,
			"queued":  1,
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "stats", "-o", "json")
	outputFmt = "table"
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, output)
	}
	if got["queued"] != float64(1) || got["users"] != float64(3) {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestBuildWebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
		err  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/v1/tasks/1/logs/ws", false},
		{"https://surge.example.com/", "wss://surge.example.com/api/v1/tasks/1/logs/ws", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		got, err := buildWebSocketURL(tt.base, "/api/v1/tasks/1/logs/ws")
		if (err != nil) != tt.err {
			t.Errorf("%s: unexpected error %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.base, got, tt.want)
		}
	}
}
