package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_GetTaskNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTask(context.Background(), 5)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "apply_id", "target_url", "method", "request_body", "concurrency",
		"duration", "threads", "expected_qps", "status", "start_time", "end_time", "error_msg",
		"created_by", "created_at", "updated_at"}).
		AddRow(5, 1, "https://x.test", "GET", "", 100, "30s", 4, 0, "running", now, nil, "", 1, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1")).WithArgs(int64(5)).WillReturnRows(rows)

	task, err := s.GetTask(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
	assert.NotNil(t, task.StartTime)
	assert.Nil(t, task.EndTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateUserConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	err := s.CreateUser(context.Background(), &domain.User{Username: "bob", Email: "bob@x.io"})
	assert.ErrorIs(t, err, domain.ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateApplicationDuplicatePending(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO applications")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "applications_pending_target_key"})

	err := s.CreateApplication(context.Background(), &domain.Application{Domain: "api.example.com", CreatedBy: 2})
	assert.ErrorIs(t, err, domain.ErrDuplicateApplication)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasksFilters(t *testing.T) {
	s, mock := newMockStore(t)
	applyID := int64(3)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tasks WHERE status = $1 AND apply_id = $2")).
		WithArgs(domain.TaskStatusFailed, applyID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs(domain.TaskStatusFailed, applyID, 20, 40).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	page, err := s.ListTasks(context.Background(), domain.TaskFilter{
		Status:  domain.TaskStatusFailed,
		ApplyID: &applyID,
		Page:    domain.PageRequest{Offset: 40, Limit: 20},
	})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTaskMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateTask(context.Background(), &domain.Task{ID: 9, Status: domain.TaskStatusRunning})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestPostgresStore_RunMetricsRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO run_metrics")).
		WithArgs(int64(7), now, now, int64(1500), int64(3), int64(2), int64(1), int64(0),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveRunMetrics(context.Background(), &domain.RunMetrics{
		TaskID: 7, StartedAt: now, FinishedAt: now, Elapsed: 1500 * time.Millisecond,
		TotalRequests: 3, SuccessfulRequests: 2, FailedRequests: 1,
		LatencySamples: []int64{1000, 2000, 3000},
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM run_metrics WHERE task_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "started_at", "finished_at", "elapsed_ms",
			"total_requests", "successful_requests", "failed_requests", "bytes_received",
			"status_codes", "errors", "latency_samples"}).
			AddRow(7, now, now, 1500, 3, 2, 1, 0, []byte(`{"200":2}`), []byte(`{"timeout":1}`), "{1000,2000,3000}"))

	m, err := s.GetRunMetrics(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, m.Elapsed)
	assert.Equal(t, []int64{1000, 2000, 3000}, m.LatencySamples)
	assert.Equal(t, int64(2), m.StatusCodes["200"])
	assert.Equal(t, int64(1), m.Errors["timeout"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRunMetricsMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM run_metrics")).WillReturnError(sql.ErrNoRows)

	_, err := s.GetRunMetrics(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrAggregation)
}
