package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/oriys/surge/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestPercentileNearestRank(t *testing.T) {
	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = float64(i + 1)
	}
	assert.Equal(t, 50.0, Percentile(sorted, 50))
	assert.Equal(t, 90.0, Percentile(sorted, 90))
	assert.Equal(t, 95.0, Percentile(sorted, 95))
	assert.Equal(t, 99.0, Percentile(sorted, 99))

	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
	assert.Equal(t, 0.0, Percentile(nil, 50))
	// ceil(0.5*5)=3
	assert.Equal(t, 3.0, Percentile([]float64{1, 2, 3, 4, 5}, 50))
}

func TestSummarizeLatency(t *testing.T) {
	s := SummarizeLatency([]int64{4000, 1000, 3000, 2000})
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.5, s.Avg)
	assert.InDelta(t, 1.118, s.Stdev, 0.001)
	assert.Equal(t, 2.0, s.Percentiles["50"])
	assert.Equal(t, 4.0, s.Percentiles["99"])

	empty := SummarizeLatency(nil)
	assert.Len(t, empty.Percentiles, 4)
	assert.Zero(t, empty.Max)
}

func TestAggregate(t *testing.T) {
	r := &domain.Report{}
	m := &domain.RunMetrics{
		TotalRequests:      200,
		SuccessfulRequests: 190,
		FailedRequests:     10,
		Elapsed:            4 * time.Second,
		StatusCodes:        map[string]int64{"200": 190, "500": 10},
		LatencySamples:     []int64{1500, 2500, 500, 9000},
	}
	require.NoError(t, Aggregate(r, m))
	assert.Equal(t, int64(200), r.TotalRequests)
	assert.Equal(t, r.TotalRequests, r.SuccessfulRequests+r.FailedRequests)
	assert.Equal(t, 50.0, r.RequestsPerSecond)
	assert.Equal(t, 5.0, r.ErrorRate)
	assert.Equal(t, 0.5, r.LatencyMin)
	assert.Equal(t, 9.0, r.LatencyMax)
	prev := 0.0
	for _, p := range []string{"50", "90", "95", "99"} {
		assert.GreaterOrEqual(t, r.LatencyPercentiles[p], prev, "percentiles are non-decreasing")
		prev = r.LatencyPercentiles[p]
	}

	zero := &domain.Report{}
	require.NoError(t, Aggregate(zero, &domain.RunMetrics{}))
	assert.Zero(t, zero.RequestsPerSecond)
	assert.Zero(t, zero.ErrorRate)

	bad := &domain.RunMetrics{TotalRequests: 10, SuccessfulRequests: 5, FailedRequests: 4}
	assert.ErrorIs(t, Aggregate(&domain.Report{}, bad), domain.ErrAggregation)
	assert.ErrorIs(t, Aggregate(&domain.Report{}, nil), domain.ErrAggregation)
}

type fixture struct {
	gen   *Generator
	store *storage.MemoryStore
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := &events.Recorder{}
	return &fixture{gen: NewGenerator(store, rec, logger), store: store, rec: rec}
}

func (f *fixture) task(t *testing.T, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ApplyID: 7, TargetURL: "https://example.com", Method: "GET",
		Concurrency: 100, Threads: 4, Duration: "30s", Status: status,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) metrics(t *testing.T, taskID int64) {
	t.Helper()
	require.NoError(t, f.store.SaveRunMetrics(context.Background(), &domain.RunMetrics{
		TaskID:             taskID,
		Elapsed:            10 * time.Second,
		TotalRequests:      1000,
		SuccessfulRequests: 990,
		FailedRequests:     10,
		StatusCodes:        map[string]int64{"200": 990, "502": 10},
		LatencySamples:     []int64{1000, 2000, 3000, 4000, 5000},
	}))
}

func TestGenerateRequiresFinishedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, st := range []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning, domain.TaskStatusCancelled} {
		task := f.task(t, st)
		_, err := f.gen.Generate(ctx, task.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState, st)
	}
	_, err := f.gen.Generate(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerateCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.TaskStatusCompleted)
	f.metrics(t, task.ID)

	r, err := f.gen.Generate(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, r.Status)
	assert.Equal(t, int64(1000), r.TotalRequests)
	assert.Equal(t, 100.0, r.RequestsPerSecond)
	assert.Equal(t, 1.0, r.ErrorRate)
	assert.Equal(t, 3.0, r.LatencyPercentiles["50"])
	assert.Equal(t, task.ApplyID, r.ApplyID)
	assert.NotNil(t, r.CompletedAt)
	assert.Equal(t, []string{events.TypeReportCompleted}, f.rec.Types())

	stored, err := f.gen.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID)
}

func TestGenerateMissingMetricsMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.TaskStatusFailed)

	r, err := f.gen.Generate(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrAggregation)
	require.NotNil(t, r)
	assert.Equal(t, domain.ReportStatusFailed, r.Status)
	assert.NotEmpty(t, r.ErrorMsg)

	stored, err := f.gen.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusFailed, stored.Status)
	assert.Equal(t, []string{events.TypeReportFailed}, f.rec.Types())

	_, err = f.gen.Export(ctx, r.ID, FormatCSV)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRegenerateReplacesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.TaskStatusCompleted)
	f.metrics(t, task.ID)

	first, err := f.gen.Generate(ctx, task.ID)
	require.NoError(t, err)
	second, err := f.gen.Generate(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.gen.Get(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	list, err := f.gen.ListByApply(ctx, task.ApplyID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentGenerateReleasesTaskLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		task := f.task(t, domain.TaskStatusCompleted)
		f.metrics(t, task.ID)
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for n := 0; n < 3; n++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, err := f.gen.Generate(ctx, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Zero(t, f.gen.lockCount(), "per-task locks are dropped once unused")
	list, err := f.gen.ListByApply(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, list, len(ids), "one report per task")
	for _, id := range ids {
		r, err := f.gen.GetByTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ReportStatusCompleted, r.Status)
	}
}

func TestListAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.TaskStatusCompleted)
	f.metrics(t, task.ID)
	r, err := f.gen.Generate(ctx, task.ID)
	require.NoError(t, err)

	page, err := f.gen.List(ctx, domain.ReportFilter{Status: domain.ReportStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	_, err = f.gen.List(ctx, domain.ReportFilter{Status: "done"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.gen.Delete(ctx, r.ID))
	assert.ErrorIs(t, f.gen.Delete(ctx, r.ID), domain.ErrNotFound)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.TaskStatusCompleted)
	f.metrics(t, task.ID)
	r, err := f.gen.Generate(ctx, task.ID)
	require.NoError(t, err)

	_, err = f.gen.Export(ctx, 999, FormatPDF)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.gen.Export(ctx, r.ID, "docx")
	assert.ErrorIs(t, err, domain.ErrValidation)

	t.Run("csv", func(t *testing.T) {
		out, err := f.gen.Export(ctx, r.ID, "CSV")
		require.NoError(t, err)
		assert.Equal(t, "text/csv; charset=utf-8", out.ContentType)
		assert.Equal(t, "report_1_task_1.csv", out.Filename)

		records, err := csv.NewReader(bytes.NewReader(out.Data)).ReadAll()
		require.NoError(t, err)
		values := map[string]string{}
		for _, rec := range records {
			values[rec[0]] = rec[1]
		}
		assert.Equal(t, "1000", values["Total Requests"])
		assert.Equal(t, "3.00", values["Latency P50 (ms)"])
		assert.Equal(t, "10", values["Status 502"])
	})

	t.Run("pdf", func(t *testing.T) {
		out, err := f.gen.Export(ctx, r.ID, FormatPDF)
		require.NoError(t, err)
		assert.Equal(t, "application/pdf", out.ContentType)
		assert.True(t, bytes.HasPrefix(out.Data, []byte("%PDF-")))
	})

	t.Run("xlsx", func(t *testing.T) {
		out, err := f.gen.Export(ctx, r.ID, FormatXLSX)
		require.NoError(t, err)
		x, err := excelize.OpenReader(bytes.NewReader(out.Data))
		require.NoError(t, err)
		defer x.Close()
		assert.Equal(t, []string{"Summary", "Status Codes"}, x.GetSheetList())
		v, err := x.GetCellValue("Summary", "B9")
		require.NoError(t, err)
		assert.Equal(t, "1000", v)
	})
}
