package domain

import (
	"errors"
	"testing"
)

func approvedApp() *Application {
	return &Application{
		ID:          1,
		Domain:      "https://x.test",
		Method:      MethodGet,
		Concurrency: 100,
		Duration:    "30s",
		AuditStatus: AuditStatusApproved,
	}
}

// TestTask_Transitions 测试任务状态机的合法与非法转换。
func TestTask_Transitions(t *testing.T) {
	type step func(*Task) error
	start := func(t *Task) error { return t.Start() }
	complete := func(t *Task) error { return t.Complete() }
	fail := func(t *Task) error { return t.Fail("boom") }
	cancel := func(t *Task) error { return t.Cancel() }
	retry := func(t *Task) error { return t.Retry() }

	tests := []struct {
		name    string
		steps   []step
		want    TaskStatus
		wantErr bool
	}{
		{name: "start complete", steps: []step{start, complete}, want: TaskStatusCompleted},
		{name: "start fail", steps: []step{start, fail}, want: TaskStatusFailed},
		{name: "start cancel", steps: []step{start, cancel}, want: TaskStatusCancelled},
		{name: "fail retry", steps: []step{start, fail, retry}, want: TaskStatusPending},
		{name: "retry start", steps: []step{start, fail, retry, start}, want: TaskStatusRunning},
		{name: "double start", steps: []step{start, start}, want: TaskStatusRunning, wantErr: true},
		{name: "cancel pending", steps: []step{cancel}, want: TaskStatusPending, wantErr: true},
		{name: "cancel twice", steps: []step{start, cancel, cancel}, want: TaskStatusCancelled, wantErr: true},
		{name: "retry completed", steps: []step{start, complete, retry}, want: TaskStatusCompleted, wantErr: true},
		{name: "retry cancelled", steps: []step{start, cancel, retry}, want: TaskStatusCancelled, wantErr: true},
		{name: "complete pending", steps: []step{complete}, want: TaskStatusPending, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewTaskFromApplication(approvedApp(), 4, 1)
			if err != nil {
				t.Fatalf("NewTaskFromApplication: %v", err)
			}
			var lastErr error
			for _, s := range tt.steps {
				lastErr = s(task)
			}
			if (lastErr != nil) != tt.wantErr {
				t.Fatalf("last step error = %v, wantErr %v", lastErr, tt.wantErr)
			}
			if lastErr != nil && !errors.Is(lastErr, ErrInvalidState) {
				t.Errorf("error %v should wrap ErrInvalidState", lastErr)
			}
			if task.Status != tt.want {
				t.Errorf("status = %s, want %s", task.Status, tt.want)
			}
		})
	}
}

// TestTask_RetryClearsFields 重试后错误信息和起止时间被清空，ID 不变。
func TestTask_RetryClearsFields(t *testing.T) {
	task, _ := NewTaskFromApplication(approvedApp(), 4, 1)
	task.ID = 7
	_ = task.Start()
	_ = task.Fail("connection refused")
	if task.ErrorMsg == "" || task.StartTime == nil || task.EndTime == nil {
		t.Fatal("expected failure fields to be set")
	}
	if err := task.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if task.ID != 7 || task.Status != TaskStatusPending {
		t.Errorf("got id=%d status=%s", task.ID, task.Status)
	}
	if task.ErrorMsg != "" || task.StartTime != nil || task.EndTime != nil {
		t.Errorf("fields not cleared: %+v", task)
	}
}

func TestNewTaskFromApplication(t *testing.T) {
	app := approvedApp()
	app.Domain = "example.com"
	app.URL = "api/v1/ping"
	task, err := NewTaskFromApplication(app, 4, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.TargetURL != "https://example.com/api/v1/ping" {
		t.Errorf("TargetURL = %s", task.TargetURL)
	}
	if task.Threads != 4 || task.Concurrency != 100 || task.CreatedBy != 9 {
		t.Errorf("unexpected task %+v", task)
	}

	app.AuditStatus = AuditStatusPending
	if _, err := NewTaskFromApplication(app, 4, 9); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for pending application, got %v", err)
	}
}

func TestApplication_Audit(t *testing.T) {
	app := &Application{AuditStatus: AuditStatusPending}
	if err := app.Approve(2, "ok"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if app.AuditUserID == nil || *app.AuditUserID != 2 || app.AuditTime == nil {
		t.Errorf("audit fields not set: %+v", app)
	}
	if err := app.Reject(2, "again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second audit should fail with ErrInvalidState, got %v", err)
	}
}

func TestApplication_Cancel(t *testing.T) {
	tests := []struct {
		name    string
		status  AuditStatus
		started bool
		wantErr bool
	}{
		{"pending", AuditStatusPending, false, false},
		{"approved not started", AuditStatusApproved, false, false},
		{"approved started", AuditStatusApproved, true, true},
		{"rejected", AuditStatusRejected, false, true},
		{"cancelled", AuditStatusCancelled, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &Application{AuditStatus: tt.status}
			err := app.Cancel(tt.started)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Cancel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && app.AuditStatus != AuditStatusCancelled {
				t.Errorf("status = %s", app.AuditStatus)
			}
		})
	}
}

func TestValidDomain(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"example.com", true},
		{"api.example.co.uk", true},
		{"https://x.test", true},
		{"http://localhost:8080/health", true},
		{"http://127.0.0.1:9000", true},
		{"", false},
		{"not a domain", false},
		{"-bad.com", false},
		{"ftp://example.com", false},
		{"https://", false},
	}
	for _, tt := range tests {
		if got := ValidDomain(tt.in); got != tt.want {
			t.Errorf("ValidDomain(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrTaskNotFound, "not_found"},
		{ErrTaskNotPending, "invalid_state"},
		{ErrCapacityExhausted, "capacity"},
		{ErrMetricsMissing, "aggregation"},
		{ValidationError("domain", "is required"), "validation"},
		{ErrUsernameTaken, "conflict"},
		{ErrInvalidCredentials, "unauthorized"},
		{ErrUserDisabled, "forbidden"},
		{errors.New("x"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	for _, p := range []string{"short1", "allletters", "12345678"} {
		if err := ValidatePassword(p); !errors.Is(err, ErrValidation) {
			t.Errorf("ValidatePassword(%q) should fail", p)
		}
	}
	if err := ValidatePassword("secret123"); err != nil {
		t.Errorf("ValidatePassword: %v", err)
	}
}

func TestPaginate(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}
	p := Paginate(all, PageRequest{Offset: 3, Limit: 10})
	if p.Total != 5 || len(p.Items) != 2 || p.Items[0] != 4 {
		t.Errorf("unexpected page %+v", p)
	}
	p = Paginate(all, PageRequest{Offset: 10, Limit: 2})
	if len(p.Items) != 0 {
		t.Errorf("expected empty page, got %v", p.Items)
	}
	req := NewPageRequest(3, 2)
	if req.Offset != 4 || req.Limit != 2 || req.Page() != 3 {
		t.Errorf("NewPageRequest = %+v", req)
	}
	if NewPageRequest(0, 1000).Limit != MaxPageSize {
		t.Error("page size should be capped")
	}
}
