// Package loadgen 实现进程内的 HTTP 压测引擎。
//
// 一次压测按 threads 划分为若干工作通道（lane），每个通道持有
// concurrency/threads 个模拟客户端（余数依次分摊到前面的通道），
// 每个客户端循环发起请求直到持续时间结束或被取消。
// 客户端之间只共享原子计数器，延迟样本保存在各客户端内部，结束时合并。
package loadgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oriys/surge/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrAllRequestsFailed 表示压测期间没有任何成功请求。
var ErrAllRequestsFailed = errors.New("all requests failed")

// Plan 描述一次压测的参数。
type Plan struct {
	Target      string
	Method      string
	Body        string
	Headers     map[string]string
	Concurrency int
	Threads     int
	Duration    time.Duration
	// ExpectedQPS 大于 0 时启用全局令牌桶限速
	ExpectedQPS int
	// RequestTimeout 单个请求的超时
	RequestTimeout time.Duration
	// GracePeriod 取消后允许进行中请求继续执行的时间
	GracePeriod time.Duration
	// SampleLimit 保留的延迟样本上限，<=0 表示不限
	SampleLimit int
}

// Snapshot 是运行中的进度快照。
type Snapshot struct {
	Elapsed       time.Duration `json:"elapsed"`
	Total         int64         `json:"total"`
	Successful    int64         `json:"successful"`
	Failed        int64         `json:"failed"`
	BytesReceived int64         `json:"bytes_received"`
	// RPS 为最近一个采样周期内的每秒请求数
	RPS float64 `json:"rps"`
}

// Observer 接收进度快照，约每秒调用一次，并在结束时再调用一次。
// Observer 在独立 goroutine 中调用，不应长时间阻塞。
type Observer func(Snapshot)

// Result 是一次压测的原始结果。
type Result struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Elapsed       time.Duration
	Total         int64
	Successful    int64
	Failed        int64
	BytesReceived int64
	StatusCodes   map[string]int64
	Errors        map[string]int64
	// LatencySamples 单位为微秒，不保证顺序
	LatencySamples []int64
	// Cancelled 表示压测因上下文取消而提前结束
	Cancelled bool
}

// Metrics 转换为可持久化的执行指标。
func (r *Result) Metrics(taskID int64) *domain.RunMetrics {
	return &domain.RunMetrics{
		TaskID:             taskID,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		Elapsed:            r.Elapsed,
		TotalRequests:      r.Total,
		SuccessfulRequests: r.Successful,
		FailedRequests:     r.Failed,
		BytesReceived:      r.BytesReceived,
		StatusCodes:        r.StatusCodes,
		Errors:             r.Errors,
		LatencySamples:     r.LatencySamples,
	}
}

// TopError 返回出现次数最多的错误类别。
func (r *Result) TopError() string {
	var (
		top   string
		count int64
	)
	for k, v := range r.Errors {
		if v > count || (v == count && k < top) {
			top, count = k, v
		}
	}
	return top
}

// counters 是所有客户端共享的原子计数器。
type counters struct {
	total   atomic.Int64
	success atomic.Int64
	fail    atomic.Int64
	bytes   atomic.Int64
}

func (c *counters) snapshot(elapsed time.Duration) Snapshot {
	return Snapshot{
		Elapsed:       elapsed,
		Total:         c.total.Load(),
		Successful:    c.success.Load(),
		Failed:        c.fail.Load(),
		BytesReceived: c.bytes.Load(),
	}
}

// Engine 执行压测计划。
type Engine struct {
	// newTransport 为每次压测创建独立的连接池，测试中可替换
	newTransport func(p Plan) http.RoundTripper
}

// NewEngine 创建压测引擎。
func NewEngine() *Engine {
	return &Engine{newTransport: defaultTransport}
}

func defaultTransport(p Plan) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = p.Concurrency
	t.MaxIdleConnsPerHost = p.Concurrency
	t.MaxConnsPerHost = 0
	return t
}

// Validate 检查压测计划。
func (p *Plan) Validate() error {
	u, err := url.Parse(p.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.ValidationError("target_url", fmt.Sprintf("%q is not an http(s) url", p.Target))
	}
	if !domain.ValidMethod(p.Method) {
		return domain.ValidationError("method", "unsupported "+p.Method)
	}
	if p.Concurrency <= 0 {
		return domain.ValidationError("concurrency", "must be positive")
	}
	if p.Duration <= 0 {
		return domain.ValidationError("duration", "must be positive")
	}
	return nil
}

func (p *Plan) normalize() {
	if p.Threads <= 0 {
		p.Threads = 1
	}
	if p.Threads > p.Concurrency {
		p.Threads = p.Concurrency
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 10 * time.Second
	}
	if p.GracePeriod < 0 {
		p.GracePeriod = 0
	}
}

// LaneSizes 返回每个通道的客户端数量。
func LaneSizes(concurrency, threads int) []int {
	if threads <= 0 {
		threads = 1
	}
	if threads > concurrency {
		threads = concurrency
	}
	sizes := make([]int, threads)
	for i := range sizes {
		sizes[i] = concurrency / threads
		if i < concurrency%threads {
			sizes[i]++
		}
	}
	return sizes
}

// Run 执行压测，阻塞直到持续时间结束或 ctx 被取消。
//
// ctx 取消后客户端不再发起新请求；进行中的请求在 GracePeriod 内可以完成，
// 超过后被中止并计为失败。被取消的压测返回 Cancelled=true 且不返回错误。
// 参数:
//   - ctx: 控制压测提前结束
//   - plan: 压测计划
//   - observe: 进度回调，可为 nil
//
// 返回:
//   - *Result: 压测结果
//   - error: 计划非法，或全部请求失败时返回 ErrAllRequestsFailed
func (e *Engine) Run(ctx context.Context, plan Plan, observe Observer) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan.normalize()

	client := &http.Client{
		Transport: e.newTransport(plan),
		Timeout:   plan.RequestTimeout,
		// 3xx 直接计入结果，不跟随跳转
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if t, ok := client.Transport.(interface{ CloseIdleConnections() }); ok {
		defer t.CloseIdleConnections()
	}

	var limiter *rate.Limiter
	if plan.ExpectedQPS > 0 {
		burst := plan.ExpectedQPS / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(plan.ExpectedQPS), burst)
	}

	// loopCtx 控制是否继续发起新请求；reqCtx 控制进行中的请求
	loopCtx, stopLoop := context.WithTimeout(ctx, plan.Duration)
	defer stopLoop()
	reqCtx, abortRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer abortRequests()

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			timer := time.NewTimer(plan.GracePeriod)
			defer timer.Stop()
			select {
			case <-timer.C:
				abortRequests()
			case <-finished:
			}
		case <-finished:
		}
	}()

	var c counters
	start := time.Now()
	progressDone := make(chan struct{})
	if observe != nil {
		go reportProgress(&c, start, observe, finished, progressDone)
	} else {
		close(progressDone)
	}

	perClientSamples := 0
	if plan.SampleLimit > 0 {
		perClientSamples = (plan.SampleLimit + plan.Concurrency - 1) / plan.Concurrency
	}

	lanes := LaneSizes(plan.Concurrency, plan.Threads)
	clients := make([][]*vclient, len(lanes))
	var g errgroup.Group
	for i, size := range lanes {
		clients[i] = make([]*vclient, size)
		for j := range clients[i] {
			clients[i][j] = &vclient{
				plan:       &plan,
				http:       client,
				limiter:    limiter,
				counters:   &c,
				maxSamples: perClientSamples,
				statuses:   map[string]int64{},
				errors:     map[string]int64{},
			}
		}
		lane := clients[i]
		g.Go(func() error {
			var lg errgroup.Group
			for _, vc := range lane {
				vc := vc
				lg.Go(func() error {
					vc.loop(loopCtx, reqCtx)
					return nil
				})
			}
			return lg.Wait()
		})
	}
	_ = g.Wait()
	close(finished)
	<-progressDone

	res := &Result{
		StartedAt:     start,
		FinishedAt:    time.Now(),
		Total:         c.total.Load(),
		Successful:    c.success.Load(),
		Failed:        c.fail.Load(),
		BytesReceived: c.bytes.Load(),
		StatusCodes:   map[string]int64{},
		Errors:        map[string]int64{},
		Cancelled:     ctx.Err() != nil,
	}
	res.Elapsed = res.FinishedAt.Sub(res.StartedAt)
	for _, lane := range clients {
		for _, vc := range lane {
			vc.mergeInto(res)
		}
	}
	res.LatencySamples = downsample(res.LatencySamples, plan.SampleLimit)

	if observe != nil {
		snap := c.snapshot(res.Elapsed)
		if secs := res.Elapsed.Seconds(); secs > 0 {
			snap.RPS = float64(snap.Total) / secs
		}
		observe(snap)
	}

	if !res.Cancelled && res.Successful == 0 {
		if res.Total == 0 {
			return res, fmt.Errorf("%w: no request completed", ErrAllRequestsFailed)
		}
		return res, fmt.Errorf("%w: %d of %d failed, mostly %s", ErrAllRequestsFailed, res.Failed, res.Total, res.TopError())
	}
	return res, nil
}

func reportProgress(c *counters, start time.Time, observe Observer, finished <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastTotal int64
	lastAt := start
	for {
		select {
		case <-finished:
			return
		case now := <-ticker.C:
			snap := c.snapshot(now.Sub(start))
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				snap.RPS = float64(snap.Total-lastTotal) / dt
			}
			lastTotal, lastAt = snap.Total, now
			observe(snap)
		}
	}
}

// vclient 是一个模拟客户端，串行地发起请求。
type vclient struct {
	plan       *Plan
	http       *http.Client
	limiter    *rate.Limiter
	counters   *counters
	maxSamples int

	samples  []int64
	seen     int64
	statuses map[string]int64
	errors   map[string]int64
}

func (vc *vclient) loop(loopCtx, reqCtx context.Context) {
	for loopCtx.Err() == nil {
		if vc.limiter != nil {
			if err := vc.limiter.Wait(loopCtx); err != nil {
				return
			}
		}
		vc.do(reqCtx)
	}
}

func (vc *vclient) do(ctx context.Context) {
	var body io.Reader
	if vc.plan.Body != "" {
		body = bytes.NewReader([]byte(vc.plan.Body))
	}
	req, err := http.NewRequestWithContext(ctx, vc.plan.Method, vc.plan.Target, body)
	if err != nil {
		vc.record(0, 0, 0, err)
		return
	}
	req.Header.Set("User-Agent", "surge-loadgen/1.0")
	for k, v := range vc.plan.Headers {
		req.Header.Set(k, v)
	}
	if vc.plan.Body != "" && req.Header.Get("Content-Type") == "" {
		ct := "text/plain; charset=utf-8"
		if trimmed := strings.TrimSpace(vc.plan.Body); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}

	start := time.Now()
	resp, err := vc.http.Do(req)
	if err != nil {
		vc.record(time.Since(start), 0, 0, err)
		return
	}
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	vc.record(time.Since(start), resp.StatusCode, n, err)
}

func (vc *vclient) record(latency time.Duration, status int, n int64, err error) {
	c := vc.counters
	c.total.Add(1)
	c.bytes.Add(n)
	if status > 0 {
		vc.statuses[fmt.Sprintf("%d", status)]++
	}
	if err == nil && status >= 200 && status < 400 {
		c.success.Add(1)
	} else {
		c.fail.Add(1)
		if err != nil {
			vc.errors[Classify(err)]++
		} else {
			vc.errors[fmt.Sprintf("http_%d", status)]++
		}
	}
	vc.sample(latency.Microseconds())
}

// sample 对延迟做蓄水池抽样，保证长时间压测的样本覆盖整个时间段。
func (vc *vclient) sample(us int64) {
	vc.seen++
	if vc.maxSamples <= 0 || len(vc.samples) < vc.maxSamples {
		vc.samples = append(vc.samples, us)
		return
	}
	if j := randInt63n(vc.seen); j < int64(vc.maxSamples) {
		vc.samples[j] = us
	}
}

// downsample 从合并后的样本中随机保留 limit 个，每个客户端的样本被选中的概率相同。
// limit <= 0 或样本数未超出时原样返回。
func downsample(samples []int64, limit int) []int64 {
	if limit <= 0 || len(samples) <= limit {
		return samples
	}
	n := int64(len(samples))
	for i := 0; i < limit; i++ {
		j := int64(i) + randInt63n(n-int64(i))
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples[:limit]
}

func (vc *vclient) mergeInto(r *Result) {
	r.LatencySamples = append(r.LatencySamples, vc.samples...)
	for k, v := range vc.statuses {
		r.StatusCodes[k] += v
	}
	for k, v := range vc.errors {
		r.Errors[k] += v
	}
}
