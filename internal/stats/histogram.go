package stats

import (
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Trackable range of a series, in the recorded unit (microseconds for
// durations): 1us to 10min at 3 significant figures.
const (
	histMin     = 1
	histMax     = int64(10 * time.Minute / time.Microsecond)
	histSigFigs = 3
)

// series accumulates one metric. count, sum, min and max are exact; the
// quantiles come from the HDR histogram and are approximate. Callers hold mu.
type series struct {
	count   uint64
	sum     int64
	min     int64
	max     int64
	dropped uint64
	hist    *hdrhistogram.Histogram
}

func newSeries() *series {
	return &series{
		min:  math.MaxInt64,
		max:  math.MinInt64,
		hist: hdrhistogram.New(histMin, histMax, histSigFigs),
	}
}

func (s *series) record(v int64) {
	s.count++
	s.sum += v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}

	hv := v
	if hv < histMin {
		hv = histMin
	}
	if err := s.hist.RecordValue(hv); err != nil {
		// out of range for the histogram; still counted above
		s.dropped++
	}
}

func (s *series) summary() MetricSummary {
	if s.count == 0 {
		return MetricSummary{}
	}
	return MetricSummary{
		Count:   s.count,
		Sum:     s.sum,
		Min:     s.min,
		Max:     s.max,
		Mean:    float64(s.sum) / float64(s.count),
		P50:     s.quantile(50),
		P90:     s.quantile(90),
		P95:     s.quantile(95),
		P99:     s.quantile(99),
		Dropped: s.dropped,
	}
}

// quantile keeps HDR bucket rounding inside the exact [min, max] range.
func (s *series) quantile(q float64) int64 {
	v := s.hist.ValueAtQuantile(q)
	if v < s.min {
		return s.min
	}
	if v > s.max {
		return s.max
	}
	return v
}
