package report

import (
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/oriys/surge/internal/domain"
)

// LatencySummary 是延迟样本的统计结果，单位毫秒。
type LatencySummary struct {
	Min         float64
	Max         float64
	Avg         float64
	Stdev       float64
	Percentiles map[string]float64
}

// Percentile 用最近秩法计算百分位，sorted 必须已升序排列。
// 秩为 ceil(p/100*n)，取第 rank 个样本；样本为空时返回 0。
func Percentile(sorted []float64, p int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// SummarizeLatency 统计微秒延迟样本，返回毫秒值。
// 排序是稳定的，相同延迟保持采样顺序。
func SummarizeLatency(samplesMicros []int64) LatencySummary {
	s := LatencySummary{Percentiles: make(map[string]float64, len(domain.PercentileKeys))}
	for _, p := range domain.PercentileKeys {
		s.Percentiles[strconv.Itoa(p)] = 0
	}
	if len(samplesMicros) == 0 {
		return s
	}

	ms := make([]float64, len(samplesMicros))
	var sum float64
	for i, us := range samplesMicros {
		ms[i] = float64(us) / 1000
		sum += ms[i]
	}
	slices.SortStableFunc(ms, func(a, b float64) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})

	n := float64(len(ms))
	s.Min = ms[0]
	s.Max = ms[len(ms)-1]
	s.Avg = sum / n
	var sq float64
	for _, v := range ms {
		d := v - s.Avg
		sq += d * d
	}
	s.Stdev = math.Sqrt(sq / n)
	for _, p := range domain.PercentileKeys {
		s.Percentiles[strconv.Itoa(p)] = Percentile(ms, p)
	}
	return s
}

// Aggregate 把执行指标汇总进报告。
// 指标不自洽时返回 ErrMetricsCorrupt，报告保持不变。
func Aggregate(r *domain.Report, m *domain.RunMetrics) error {
	if m == nil {
		return domain.ErrMetricsMissing
	}
	if !m.Consistent() {
		return domain.ErrMetricsCorrupt
	}

	r.TotalRequests = m.TotalRequests
	r.SuccessfulRequests = m.SuccessfulRequests
	r.FailedRequests = m.FailedRequests
	r.RequestsPerSecond = requestsPerSecond(m.TotalRequests, m.Elapsed)
	if m.TotalRequests > 0 {
		r.ErrorRate = round2(float64(m.FailedRequests) / float64(m.TotalRequests) * 100)
	} else {
		r.ErrorRate = 0
	}

	lat := SummarizeLatency(m.LatencySamples)
	r.LatencyMin = round2(lat.Min)
	r.LatencyMax = round2(lat.Max)
	r.LatencyAvg = round2(lat.Avg)
	r.LatencyStdev = round2(lat.Stdev)
	r.LatencyPercentiles = make(map[string]float64, len(lat.Percentiles))
	for k, v := range lat.Percentiles {
		r.LatencyPercentiles[k] = round2(v)
	}
	r.StatusCodes = make(map[string]int64, len(m.StatusCodes))
	for k, v := range m.StatusCodes {
		r.StatusCodes[k] = v
	}
	return nil
}

func requestsPerSecond(total int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return round2(float64(total) / elapsed.Seconds())
}

// round2 保留两位小数。
// 四舍五入是单调的，不会破坏百分位的非递减顺序。
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
