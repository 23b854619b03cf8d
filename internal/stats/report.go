package stats

import "time"

// MetricSummary describes one metric. Values are in the recorded unit
// (microseconds for durations). Percentiles are approximate.
type MetricSummary struct {
	Count   uint64  `json:"count"`
	Sum     int64   `json:"sum"`
	Min     int64   `json:"min"`
	Max     int64   `json:"max"`
	Mean    float64 `json:"mean"`
	P50     int64   `json:"p50"`
	P90     int64   `json:"p90"`
	P95     int64   `json:"p95"`
	P99     int64   `json:"p99"`
	Dropped uint64  `json:"dropped"`
}

// Micros converts a microsecond value from a duration metric.
func Micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func (m MetricSummary) MeanDuration() time.Duration {
	return time.Duration(m.Mean * float64(time.Microsecond))
}

type CheckSummary struct {
	Name   string `json:"name"`
	Passed uint64 `json:"passed"`
	Failed uint64 `json:"failed"`
}

// Report is the aggregated result of a run, or a live view of one.
type Report struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Elapsed time.Duration `json:"elapsed"`

	Requests              uint64 `json:"requests"`
	RequestErrors         uint64 `json:"request_errors"`
	Timeouts              uint64 `json:"timeouts"`
	HTTPFailures          uint64 `json:"http_failures"`
	ChecksPassed          uint64 `json:"checks_passed"`
	ChecksFailed          uint64 `json:"checks_failed"`
	Iterations            uint64 `json:"iterations"`
	IterationErrors       uint64 `json:"iteration_errors"`
	IterationsInterrupted uint64 `json:"iterations_interrupted"`
	BytesReceived         uint64 `json:"bytes_received"`

	// Dropped counts samples that fell outside a histogram's range. They are
	// included in count, sum, min and max but not in percentiles.
	Dropped uint64 `json:"dropped"`
	// LiveDropped counts live snapshots a slow consumer did not take.
	LiveDropped uint64 `json:"live_dropped"`

	VUs     int `json:"vus"`
	PeakVUs int `json:"peak_vus"`

	Metrics     map[string]MetricSummary `json:"metrics"`
	Checks      []CheckSummary           `json:"checks"`
	StatusCodes map[int]uint64           `json:"status_codes"`
	Errors      map[string]uint64        `json:"errors"`

	PercentilesApproximate bool `json:"percentiles_approximate"`
}

// RequestRate is completed requests per second over Elapsed.
func (r Report) RequestRate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// ErrorRate is the percentage of requests that failed at transport level or
// with a 4xx/5xx status.
func (r Report) ErrorRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.RequestErrors+r.HTTPFailures) / float64(r.Requests) * 100
}

func (r Report) CheckPassRate() float64 {
	total := r.ChecksPassed + r.ChecksFailed
	if total == 0 {
		return 0
	}
	return float64(r.ChecksPassed) / float64(total) * 100
}

// Latency is the http_req_duration summary.
func (r Report) Latency() MetricSummary {
	return r.Metrics[MetricHTTPReqDuration]
}
