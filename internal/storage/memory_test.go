package storage

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMem(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore()
	require.NoError(t, err)
	return s
}

func TestMemoryStore_UserUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)

	u := &domain.User{Username: "alice", Email: "Alice@Example.com", Role: domain.RoleUser, Status: domain.UserStatusEnabled}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, int64(1), u.ID)

	err := s.CreateUser(ctx, &domain.User{Username: "alice", Email: "other@example.com"})
	assert.ErrorIs(t, err, domain.ErrUsernameTaken)

	err = s.CreateUser(ctx, &domain.User{Username: "bob", Email: "alice@example.com"})
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// 修改返回值不影响存储
	got.Username = "mallory"
	again, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Username)

	_, err = s.GetUser(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_ListTasksNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)
	for i := 0; i < 5; i++ {
		status := domain.TaskStatusPending
		if i%2 == 0 {
			status = domain.TaskStatusFailed
		}
		require.NoError(t, s.CreateTask(ctx, &domain.Task{ApplyID: 1, Status: status, CreatedAt: time.Now()}))
	}

	page, err := s.ListTasks(ctx, domain.TaskFilter{Page: domain.PageRequest{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Items[0].ID)
	assert.Equal(t, int64(4), page.Items[1].ID)

	page, err = s.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusFailed, Page: domain.PageRequest{Limit: 10}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
}

func TestMemoryStore_LogsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)
	for _, taskID := range []int64{1, 2} {
		for seq := int64(1); seq <= 3; seq++ {
			require.NoError(t, s.AppendLog(ctx, &domain.LogEntry{TaskID: taskID, Seq: seq, Message: "m"}))
		}
	}
	// 重复的 seq 被拒绝
	err := s.AppendLog(ctx, &domain.LogEntry{TaskID: 1, Seq: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	logs, total, err := s.ListLogs(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(2), logs[0].Seq)
	assert.Equal(t, int64(3), logs[1].Seq)

	after, err := s.ListLogsAfter(ctx, 1, 1, 0)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	last, err := s.LastLog(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(3), last.Seq)

	last, err = s.LastLog(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(1), last.TaskID)
	assert.Equal(t, int64(3), last.Seq)

	none, err := s.LastLog(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStore_DeleteTaskCascades(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)
	task := &domain.Task{ApplyID: 1, Status: domain.TaskStatusCompleted}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.AppendLog(ctx, &domain.LogEntry{TaskID: task.ID, Seq: 1}))
	require.NoError(t, s.SaveRunMetrics(ctx, &domain.RunMetrics{TaskID: task.ID, TotalRequests: 1, SuccessfulRequests: 1}))
	require.NoError(t, s.CreateReport(ctx, domain.NewReport(task)))

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, total, err := s.ListLogs(ctx, task.ID, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	_, err = s.GetRunMetrics(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrAggregation)
	_, err = s.GetReportByTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_ReportPerTask(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)
	task := &domain.Task{ID: 3, ApplyID: 1}
	r := domain.NewReport(task)
	require.NoError(t, s.CreateReport(ctx, r))
	assert.ErrorIs(t, s.CreateReport(ctx, domain.NewReport(task)), domain.ErrConflict)

	r.LatencyPercentiles["50"] = 12
	require.NoError(t, s.UpdateReport(ctx, r))
	got, err := s.GetReportByTask(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.LatencyPercentiles["50"])
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := newMem(t)
	require.NoError(t, s.CreateUser(ctx, &domain.User{Username: "a", Email: "a@x.io"}))
	require.NoError(t, s.CreateApplication(ctx, &domain.Application{AuditStatus: domain.AuditStatusPending}))
	require.NoError(t, s.CreateApplication(ctx, &domain.Application{AuditStatus: domain.AuditStatusApproved}))
	require.NoError(t, s.CreateTask(ctx, &domain.Task{Status: domain.TaskStatusRunning}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Users)
	assert.Equal(t, int64(1), st.Applications[domain.AuditStatusPending])
	assert.Equal(t, int64(1), st.Tasks[domain.TaskStatusRunning])
}
