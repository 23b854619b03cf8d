// Package report writes a finished run to disk.
package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"surge/internal/stats"
)

// Summary is the JSON document written for a run.
type Summary struct {
	RunID string `json:"run_id,omitempty"`
	stats.Report
	RequestRate   float64 `json:"request_rate"`
	ErrorRate     float64 `json:"error_rate"`
	CheckPassRate float64 `json:"check_pass_rate"`
}

func NewSummary(runID string, r stats.Report) Summary {
	return Summary{
		RunID:         runID,
		Report:        r,
		RequestRate:   r.RequestRate(),
		ErrorRate:     r.ErrorRate(),
		CheckPassRate: r.CheckPassRate(),
	}
}

// WriteJSON writes the indented summary.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(s), "encode summary")
}

var metricsHeader = []string{"metric", "count", "sum", "min", "max", "mean", "p50", "p90", "p95", "p99", "dropped"}

// WriteMetricsCSV writes one row per metric, sorted by name. Duration
// metrics are in microseconds.
func WriteMetricsCSV(w io.Writer, r stats.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(metricsHeader); err != nil {
		return errors.Wrap(err, "write header")
	}

	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := r.Metrics[name]
		record := []string{
			name,
			strconv.FormatUint(m.Count, 10),
			strconv.FormatInt(m.Sum, 10),
			strconv.FormatInt(m.Min, 10),
			strconv.FormatInt(m.Max, 10),
			strconv.FormatFloat(m.Mean, 'f', 2, 64),
			strconv.FormatInt(m.P50, 10),
			strconv.FormatInt(m.P90, 10),
			strconv.FormatInt(m.P95, 10),
			strconv.FormatInt(m.P99, 10),
			strconv.FormatUint(m.Dropped, 10),
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteChecksCSV writes one row per check in declaration order.
func WriteChecksCSV(w io.Writer, r stats.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"check", "passed", "failed"}); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, c := range r.Checks {
		if err := cw.Write([]string{c.Name, strconv.FormatUint(c.Passed, 10), strconv.FormatUint(c.Failed, 10)}); err != nil {
			return errors.Wrapf(err, "write %s", c.Name)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// Export writes prefix.json, prefix_metrics.csv and prefix_checks.csv and
// returns the paths written.
func Export(prefix, runID string, r stats.Report) ([]string, error) {
	files := []struct {
		path  string
		write func(io.Writer) error
	}{
		{prefix + ".json", func(w io.Writer) error { return WriteJSON(w, NewSummary(runID, r)) }},
		{prefix + "_metrics.csv", func(w io.Writer) error { return WriteMetricsCSV(w, r) }},
		{prefix + "_checks.csv", func(w io.Writer) error { return WriteChecksCSV(w, r) }},
	}

	var written []string
	for _, f := range files {
		if err := writeFile(f.path, f.write); err != nil {
			return written, err
		}
		written = append(written, f.path)
	}
	return written, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
