package loadgen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneSizes(t *testing.T) {
	tests := []struct {
		concurrency, threads int
		want                 []int
	}{
		{100, 4, []int{25, 25, 25, 25}},
		{10, 3, []int{4, 3, 3}},
		{2, 4, []int{1, 1}},
		{5, 0, []int{5}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LaneSizes(tt.concurrency, tt.threads))
	}
}

func TestPlanValidate(t *testing.T) {
	ok := Plan{Target: "http://x.test", Method: "GET", Concurrency: 1, Duration: time.Second}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Target = "ftp://x.test"
	assert.ErrorIs(t, bad.Validate(), domain.ErrValidation)

	bad = ok
	bad.Concurrency = 0
	assert.ErrorIs(t, bad.Validate(), domain.ErrValidation)

	bad = ok
	bad.Method = "TRACE"
	assert.ErrorIs(t, bad.Validate(), domain.ErrValidation)
}

func TestEngineRunCountsConsistently(t *testing.T) {
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 每 10 个请求返回一次 500
		if n.Add(1)%10 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	res, err := NewEngine().Run(context.Background(), Plan{
		Target:      srv.URL,
		Method:      http.MethodGet,
		Concurrency: 8,
		Threads:     3,
		Duration:    300 * time.Millisecond,
		SampleLimit: 50,
	}, func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Positive(t, res.Total)
	assert.Equal(t, res.Total, res.Successful+res.Failed)
	assert.Equal(t, res.Total, res.StatusCodes["200"]+res.StatusCodes["500"])
	assert.Equal(t, res.Failed, res.Errors["http_500"])
	assert.LessOrEqual(t, len(res.LatencySamples), 50)
	assert.NotEmpty(t, res.LatencySamples)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps, "final snapshot is always delivered")
	assert.Equal(t, res.Total, snaps[len(snaps)-1].Total)

	m := res.Metrics(9)
	assert.Equal(t, int64(9), m.TaskID)
	assert.True(t, m.Consistent())
}

func TestDownsampleKeepsEveryClient(t *testing.T) {
	// 10 个客户端各 10 个样本，样本值为客户端编号
	var samples []int64
	for client := int64(0); client < 10; client++ {
		for i := 0; i < 10; i++ {
			samples = append(samples, client)
		}
	}

	got := downsample(samples, 50)
	require.Len(t, got, 50)
	clients := map[int64]bool{}
	for _, v := range got {
		clients[v] = true
	}
	assert.Greater(t, len(clients), 5, "samples come from later clients too")

	assert.Len(t, downsample([]int64{1, 2, 3}, 5), 3)
	assert.Len(t, downsample([]int64{1, 2, 3}, 0), 3)
}

func TestEngineRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	res, err := NewEngine().Run(context.Background(), Plan{
		Target:      srv.URL,
		Method:      http.MethodGet,
		Concurrency: 4,
		Duration:    time.Second,
		ExpectedQPS: 20,
	}, nil)
	require.NoError(t, err)
	// 令牌桶突发量为 2，一秒内最多约 22 个请求
	assert.LessOrEqual(t, res.Total, int64(25))
	assert.Positive(t, res.Total)
}

func TestEngineSendsBody(t *testing.T) {
	var gotType, gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		gotBody.Store(string(b[:n]))
		gotType.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	_, err := NewEngine().Run(context.Background(), Plan{
		Target:      srv.URL,
		Method:      http.MethodPost,
		Body:        `{"a":1}`,
		Concurrency: 1,
		Duration:    50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, gotBody.Load())
	assert.Equal(t, "application/json", gotType.Load())
}

func TestEngineAllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := NewEngine().Run(context.Background(), Plan{
		Target:      srv.URL,
		Method:      http.MethodGet,
		Concurrency: 2,
		Duration:    100 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, ErrAllRequestsFailed)
	require.NotNil(t, res)
	assert.Zero(t, res.Successful)
	assert.Equal(t, "http_503", res.TopError())
}

func TestEngineCancelAbandonsAfterGrace(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := NewEngine().Run(ctx, Plan{
		Target:         srv.URL,
		Method:         http.MethodGet,
		Concurrency:    3,
		Duration:       time.Minute,
		RequestTimeout: time.Minute,
		GracePeriod:    200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.True(t, res.Cancelled)
	assert.Less(t, elapsed, 5*time.Second, "grace period bounds the wait")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, int64(3), res.Failed)
	assert.Equal(t, int64(3), res.Errors[ErrKindCancelled])
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrKindCancelled, Classify(context.Canceled))
	assert.Equal(t, ErrKindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ErrKindBodyRead, Classify(errors.New("unexpected EOF")))
	assert.Equal(t, "", Classify(nil))
}
