package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/oriys/surge/internal/domain"
)

// ========== 申请 ==========

const applicationColumns = `id, application_name, domain, url, method, request_body, record_info, description,
	concurrency, duration, expected_qps, audit_status, audit_comment, audit_user_id, audit_time,
	created_by, created_at, updated_at`

func scanApplication(row rowScanner) (*domain.Application, error) {
	var (
		a         domain.Application
		auditUser sql.NullInt64
		auditTime sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ApplicationName, &a.Domain, &a.URL, &a.Method, &a.RequestBody,
		&a.RecordInfo, &a.Description, &a.Concurrency, &a.Duration, &a.ExpectedQPS,
		&a.AuditStatus, &a.AuditComment, &auditUser, &auditTime,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AuditUserID = int64Ptr(auditUser)
	a.AuditTime = timePtr(auditTime)
	return &a, nil
}

// CreateApplication 创建申请并回填 ID。
func (s *PostgresStore) CreateApplication(ctx context.Context, a *domain.Application) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO applications (application_name, domain, url, method, request_body, record_info,
			description, concurrency, duration, expected_qps, audit_status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		a.ApplicationName, a.Domain, a.URL, a.Method, a.RequestBody, a.RecordInfo,
		a.Description, a.Concurrency, a.Duration, a.ExpectedQPS, a.AuditStatus, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if uniqueViolation(err) == "applications_pending_target_key" {
		return domain.ErrDuplicateApplication
	}
	if err != nil {
		return queryErr("create application", err)
	}
	return nil
}

// GetApplication 按 ID 查询申请。
func (s *PostgresStore) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	a, err := scanApplication(s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrApplicationNotFound
	}
	if err != nil {
		return nil, queryErr("get application", err)
	}
	return a, nil
}

// UpdateApplication 更新审核字段和状态。
func (s *PostgresStore) UpdateApplication(ctx context.Context, a *domain.Application) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET audit_status = $2, audit_comment = $3, audit_user_id = $4,
			audit_time = $5, updated_at = $6
		WHERE id = $1`,
		a.ID, a.AuditStatus, a.AuditComment, nullInt64(a.AuditUserID), nullTime(a.AuditTime), a.UpdatedAt,
	)
	if err != nil {
		return queryErr("update application", err)
	}
	return expectOne(res, domain.ErrApplicationNotFound)
}

// ListApplications 分页查询申请，按创建时间倒序。
func (s *PostgresStore) ListApplications(ctx context.Context, f domain.ApplicationFilter) (domain.Page[*domain.Application], error) {
	var w where
	if f.ID != nil {
		w.add("id = ?", *f.ID)
	}
	if f.AuditStatus != "" {
		w.add("audit_status = ?", f.AuditStatus)
	}
	if f.CreatedBy != nil {
		w.add("created_by = ?", *f.CreatedBy)
	}
	if f.Domain != "" {
		w.add("domain = ?", f.Domain)
	}
	if f.Keyword != "" {
		w.add("(application_name ILIKE ? OR domain ILIKE ?)", "%"+f.Keyword+"%")
	}

	out := domain.Page[*domain.Application]{Req: f.Page}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications`+w.String(), w.args...).Scan(&out.Total); err != nil {
		return out, queryErr("count applications", err)
	}
	limit, args := w.page(f.Page)
	rows, err := s.db.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limit, args...)
	if err != nil {
		return out, queryErr("list applications", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return out, queryErr("scan application", err)
		}
		out.Items = append(out.Items, a)
	}
	return out, rows.Err()
}

// ========== 任务 ==========

const taskColumns = `id, apply_id, target_url, method, request_body, concurrency, duration, threads,
	expected_qps, status, start_time, end_time, error_msg, created_by, created_at, updated_at`

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t          domain.Task
		start, end sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ApplyID, &t.TargetURL, &t.Method, &t.RequestBody, &t.Concurrency,
		&t.Duration, &t.Threads, &t.ExpectedQPS, &t.Status, &start, &end, &t.ErrorMsg,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.StartTime = timePtr(start)
	t.EndTime = timePtr(end)
	return &t, nil
}

// CreateTask 创建任务并回填 ID。
func (s *PostgresStore) CreateTask(ctx context.Context, t *domain.Task) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (apply_id, target_url, method, request_body, concurrency, duration, threads,
			expected_qps, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		t.ApplyID, t.TargetURL, t.Method, t.RequestBody, t.Concurrency, t.Duration, t.Threads,
		t.ExpectedQPS, t.Status, t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return queryErr("create task", err)
	}
	return nil
}

// GetTask 按 ID 查询任务。
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, queryErr("get task", err)
	}
	return t, nil
}

// UpdateTask 更新任务状态字段，目标参数创建后不再修改。
func (s *PostgresStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, start_time = $3, end_time = $4, error_msg = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Status, nullTime(t.StartTime), nullTime(t.EndTime), t.ErrorMsg, t.UpdatedAt,
	)
	if err != nil {
		return queryErr("update task", err)
	}
	return expectOne(res, domain.ErrTaskNotFound)
}

// DeleteTask 删除任务，日志、指标和报告通过外键级联删除。
func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return queryErr("delete task", err)
	}
	return expectOne(res, domain.ErrTaskNotFound)
}

// ListTasks 分页查询任务，按创建时间倒序。
func (s *PostgresStore) ListTasks(ctx context.Context, f domain.TaskFilter) (domain.Page[*domain.Task], error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.ApplyID != nil {
		w.add("apply_id = ?", *f.ApplyID)
	}
	if f.CreatedBy != nil {
		w.add("created_by = ?", *f.CreatedBy)
	}

	out := domain.Page[*domain.Task]{Req: f.Page}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+w.String(), w.args...).Scan(&out.Total); err != nil {
		return out, queryErr("count tasks", err)
	}
	limit, args := w.page(f.Page)
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limit, args...)
	if err != nil {
		return out, queryErr("list tasks", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return out, queryErr("scan task", err)
		}
		out.Items = append(out.Items, t)
	}
	return out, rows.Err()
}

// ========== 日志 ==========

const logColumns = `id, task_id, seq, level, message, terminal, created_at`

func scanLog(row rowScanner) (*domain.LogEntry, error) {
	var e domain.LogEntry
	if err := row.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Level, &e.Message, &e.Terminal, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendLog 追加一条日志并回填 ID。Seq 由调用方分配，(task_id, seq) 唯一。
func (s *PostgresStore) AppendLog(ctx context.Context, e *domain.LogEntry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO task_logs (task_id, seq, level, message, terminal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.TaskID, e.Seq, e.Level, e.Message, e.Terminal, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if uniqueViolation(err) != "" {
			return domain.ErrLogStreamClosed
		}
		return queryErr("append log", err)
	}
	return nil
}

func (s *PostgresStore) queryLogs(ctx context.Context, query string, args ...any) ([]*domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("list logs", err)
	}
	defer rows.Close()
	logs := []*domain.LogEntry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, queryErr("scan log", err)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// ListLogs 按 Seq 升序分页读取日志。
func (s *PostgresStore) ListLogs(ctx context.Context, taskID int64, offset, limit int) ([]*domain.LogEntry, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs WHERE task_id = $1`, taskID).Scan(&total); err != nil {
		return nil, 0, queryErr("count logs", err)
	}
	logs, err := s.queryLogs(ctx, `SELECT `+logColumns+` FROM task_logs WHERE task_id = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		taskID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// ListLogsAfter 读取 Seq 大于 afterSeq 的日志。
func (s *PostgresStore) ListLogsAfter(ctx context.Context, taskID, afterSeq int64, limit int) ([]*domain.LogEntry, error) {
	if limit <= 0 {
		return s.queryLogs(ctx, `SELECT `+logColumns+` FROM task_logs WHERE task_id = $1 AND seq > $2 ORDER BY seq`,
			taskID, afterSeq)
	}
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM task_logs WHERE task_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		taskID, afterSeq, limit)
}

// LastLog 返回任务的最后一条日志。
func (s *PostgresStore) LastLog(ctx context.Context, taskID int64) (*domain.LogEntry, error) {
	e, err := scanLog(s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM task_logs WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("last log", err)
	}
	return e, nil
}

// ========== 执行指标 ==========

// SaveRunMetrics 写入或覆盖任务的执行指标。
func (s *PostgresStore) SaveRunMetrics(ctx context.Context, m *domain.RunMetrics) error {
	samples := m.LatencySamples
	if samples == nil {
		samples = []int64{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_metrics (task_id, started_at, finished_at, elapsed_ms, total_requests,
			successful_requests, failed_requests, bytes_received, status_codes, errors, latency_samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at,
			elapsed_ms = EXCLUDED.elapsed_ms, total_requests = EXCLUDED.total_requests,
			successful_requests = EXCLUDED.successful_requests, failed_requests = EXCLUDED.failed_requests,
			bytes_received = EXCLUDED.bytes_received, status_codes = EXCLUDED.status_codes,
			errors = EXCLUDED.errors, latency_samples = EXCLUDED.latency_samples`,
		m.TaskID, m.StartedAt, m.FinishedAt, m.Elapsed.Milliseconds(), m.TotalRequests,
		m.SuccessfulRequests, m.FailedRequests, m.BytesReceived,
		marshalMap(m.StatusCodes), marshalMap(m.Errors), pq.Array(samples),
	)
	if err != nil {
		return queryErr("save run metrics", err)
	}
	return nil
}

// GetRunMetrics 读取任务的执行指标。
func (s *PostgresStore) GetRunMetrics(ctx context.Context, taskID int64) (*domain.RunMetrics, error) {
	var (
		m                   domain.RunMetrics
		elapsedMs           int64
		statusCodes, errMap []byte
		samples             pq.Int64Array
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, started_at, finished_at, elapsed_ms, total_requests, successful_requests,
			failed_requests, bytes_received, status_codes, errors, latency_samples
		FROM run_metrics WHERE task_id = $1`, taskID,
	).Scan(&m.TaskID, &m.StartedAt, &m.FinishedAt, &elapsedMs, &m.TotalRequests, &m.SuccessfulRequests,
		&m.FailedRequests, &m.BytesReceived, &statusCodes, &errMap, &samples)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMetricsMissing
	}
	if err != nil {
		return nil, queryErr("get run metrics", err)
	}
	m.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	m.StatusCodes = unmarshalMap[int64](statusCodes)
	m.Errors = unmarshalMap[int64](errMap)
	m.LatencySamples = []int64(samples)
	return &m, nil
}

// DeleteRunMetrics 删除任务的执行指标（重试时调用）。
func (s *PostgresStore) DeleteRunMetrics(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_metrics WHERE task_id = $1`, taskID); err != nil {
		return queryErr("delete run metrics", err)
	}
	return nil
}
