package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/oriys/surge/internal/domain"
)

// ========== 报告 ==========

const reportColumns = `id, task_id, apply_id, status, target_url, concurrency, threads, duration,
	total_requests, successful_requests, failed_requests, requests_per_second, error_rate,
	latency_min, latency_max, latency_avg, latency_stdev, latency_percentiles, status_codes,
	error_msg, created_at, completed_at`

func scanReport(row rowScanner) (*domain.Report, error) {
	var (
		r                  domain.Report
		percentiles, codes []byte
		completed          sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.ApplyID, &r.Status, &r.TargetURL, &r.Concurrency, &r.Threads,
		&r.Duration, &r.TotalRequests, &r.SuccessfulRequests, &r.FailedRequests, &r.RequestsPerSecond,
		&r.ErrorRate, &r.LatencyMin, &r.LatencyMax, &r.LatencyAvg, &r.LatencyStdev, &percentiles, &codes,
		&r.ErrorMsg, &r.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	r.LatencyPercentiles = unmarshalMap[float64](percentiles)
	r.StatusCodes = unmarshalMap[int64](codes)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

// CreateReport 创建报告并回填 ID。同一任务只保留一份报告。
func (s *PostgresStore) CreateReport(ctx context.Context, r *domain.Report) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (task_id, apply_id, status, target_url, concurrency, threads, duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		r.TaskID, r.ApplyID, r.Status, r.TargetURL, r.Concurrency, r.Threads, r.Duration, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		if uniqueViolation(err) != "" {
			return domain.ErrConflict
		}
		return queryErr("create report", err)
	}
	return nil
}

// GetReport 按 ID 查询报告。
func (s *PostgresStore) GetReport(ctx context.Context, id int64) (*domain.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReportNotFound
	}
	if err != nil {
		return nil, queryErr("get report", err)
	}
	return r, nil
}

// GetReportByTask 查询任务对应的报告。
func (s *PostgresStore) GetReportByTask(ctx context.Context, taskID int64) (*domain.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReportNotFound
	}
	if err != nil {
		return nil, queryErr("get report by task", err)
	}
	return r, nil
}

// UpdateReport 写入聚合结果和状态。
func (s *PostgresStore) UpdateReport(ctx context.Context, r *domain.Report) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $2, total_requests = $3, successful_requests = $4, failed_requests = $5,
			requests_per_second = $6, error_rate = $7, latency_min = $8, latency_max = $9, latency_avg = $10,
			latency_stdev = $11, latency_percentiles = $12, status_codes = $13, error_msg = $14, completed_at = $15
		WHERE id = $1`,
		r.ID, r.Status, r.TotalRequests, r.SuccessfulRequests, r.FailedRequests, r.RequestsPerSecond,
		r.ErrorRate, r.LatencyMin, r.LatencyMax, r.LatencyAvg, r.LatencyStdev,
		marshalMap(r.LatencyPercentiles), marshalMap(r.StatusCodes), r.ErrorMsg, nullTime(r.CompletedAt),
	)
	if err != nil {
		return queryErr("update report", err)
	}
	return expectOne(res, domain.ErrReportNotFound)
}

// DeleteReport 删除报告。
func (s *PostgresStore) DeleteReport(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return queryErr("delete report", err)
	}
	return expectOne(res, domain.ErrReportNotFound)
}

// ListReports 分页查询报告，按创建时间倒序。
func (s *PostgresStore) ListReports(ctx context.Context, f domain.ReportFilter) (domain.Page[*domain.Report], error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.TaskID != nil {
		w.add("task_id = ?", *f.TaskID)
	}
	if f.ApplyID != nil {
		w.add("apply_id = ?", *f.ApplyID)
	}

	out := domain.Page[*domain.Report]{Req: f.Page}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`+w.String(), w.args...).Scan(&out.Total); err != nil {
		return out, queryErr("count reports", err)
	}
	limit, args := w.page(f.Page)
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limit, args...)
	if err != nil {
		return out, queryErr("list reports", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return out, queryErr("scan report", err)
		}
		out.Items = append(out.Items, r)
	}
	return out, rows.Err()
}

// ========== 反馈 ==========

const feedbackColumns = `id, user_id, name, email, subject, content, status, created_at, updated_at`

func scanFeedback(row rowScanner) (*domain.Feedback, error) {
	var (
		f      domain.Feedback
		userID sql.NullInt64
	)
	if err := row.Scan(&f.ID, &userID, &f.Name, &f.Email, &f.Subject, &f.Content, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.UserID = int64Ptr(userID)
	return &f, nil
}

// CreateFeedback 创建反馈。
func (s *PostgresStore) CreateFeedback(ctx context.Context, f *domain.Feedback) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedbacks (user_id, name, email, subject, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		nullInt64(f.UserID), f.Name, f.Email, f.Subject, f.Content, f.Status, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	if err != nil {
		return queryErr("create feedback", err)
	}
	return nil
}

// GetFeedback 按 ID 查询反馈。
func (s *PostgresStore) GetFeedback(ctx context.Context, id int64) (*domain.Feedback, error) {
	f, err := scanFeedback(s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedbacks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFeedbackNotFound
	}
	if err != nil {
		return nil, queryErr("get feedback", err)
	}
	return f, nil
}

// UpdateFeedback 更新反馈处理状态。
func (s *PostgresStore) UpdateFeedback(ctx context.Context, f *domain.Feedback) error {
	res, err := s.db.ExecContext(ctx, `UPDATE feedbacks SET status = $2, updated_at = $3 WHERE id = $1`,
		f.ID, f.Status, f.UpdatedAt)
	if err != nil {
		return queryErr("update feedback", err)
	}
	return expectOne(res, domain.ErrFeedbackNotFound)
}

// ListFeedback 分页查询反馈，按创建时间倒序。
func (s *PostgresStore) ListFeedback(ctx context.Context, status domain.FeedbackStatus, page domain.PageRequest) (domain.Page[*domain.Feedback], error) {
	var w where
	if status != "" {
		w.add("status = ?", status)
	}
	out := domain.Page[*domain.Feedback]{Req: page}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedbacks`+w.String(), w.args...).Scan(&out.Total); err != nil {
		return out, queryErr("count feedback", err)
	}
	limit, args := w.page(page)
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedbackColumns+` FROM feedbacks`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limit, args...)
	if err != nil {
		return out, queryErr("list feedback", err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return out, queryErr("scan feedback", err)
		}
		out.Items = append(out.Items, f)
	}
	return out, rows.Err()
}

// ========== 统计 ==========

// Stats 汇总用户数以及各状态的申请、任务、报告数量。
func (s *PostgresStore) Stats(ctx context.Context) (*domain.Stats, error) {
	st := &domain.Stats{
		Applications: map[domain.AuditStatus]int64{},
		Tasks:        map[domain.TaskStatus]int64{},
		Reports:      map[domain.ReportStatus]int64{},
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return nil, queryErr("count users", err)
	}
	groups := []struct {
		query string
		put   func(status string, n int64)
	}{
		{`SELECT audit_status, COUNT(*) FROM applications GROUP BY audit_status`,
			func(s string, n int64) { st.Applications[domain.AuditStatus(s)] = n }},
		{`SELECT status, COUNT(*) FROM tasks GROUP BY status`,
			func(s string, n int64) { st.Tasks[domain.TaskStatus(s)] = n }},
		{`SELECT status, COUNT(*) FROM reports GROUP BY status`,
			func(s string, n int64) { st.Reports[domain.ReportStatus(s)] = n }},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.query, g.put); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *PostgresStore) groupCount(ctx context.Context, query string, put func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return queryErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return queryErr("stats scan", err)
		}
		put(status, n)
	}
	return rows.Err()
}
