// Package cli prints headless progress and the end-of-run summary.
package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"surge/internal/runner"
	"surge/internal/stats"
)

const rule = "======================================================================"

// Header describes the run being started.
type Header struct {
	Target  string
	Options runner.RunOptions
	Timeout time.Duration
}

func PrintHeader(w io.Writer, h Header) {
	fmt.Fprintf(w, "\n🚀 STARTING SURGE LOAD TEST\n")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Target     : %s\n", h.Target)
	if len(h.Options.Stages) > 0 {
		var parts []string
		for _, s := range h.Options.Stages {
			parts = append(parts, fmt.Sprintf("%s→%d", s.Duration, s.Target))
		}
		fmt.Fprintf(w, "VUs        : %d, stages %s (max %d)\n", h.Options.VUs, strings.Join(parts, ", "), h.Options.MaxVUs())
	} else {
		fmt.Fprintf(w, "VUs        : %d\n", h.Options.VUs)
	}
	fmt.Fprintf(w, "Duration   : %s\n", h.Options.TotalDuration())
	if h.Options.ThinkTime > 0 {
		fmt.Fprintf(w, "Think time : %s\n", h.Options.ThinkTime)
	}
	if h.Options.MaxIterationRate > 0 {
		fmt.Fprintf(w, "Rate cap   : %.1f it/s\n", h.Options.MaxIterationRate)
	}
	fmt.Fprintf(w, "Timeout    : %s\n", h.Timeout)
	fmt.Fprintf(w, "%s\n\n", rule)
}

// Monitor prints a progress line for every live snapshot until updates is
// closed.
func Monitor(w io.Writer, updates <-chan stats.Report, total time.Duration) {
	for r := range updates {
		fmt.Fprint(w, progressLine(r, total))
	}
}

func progressLine(r stats.Report, total time.Duration) string {
	pct := 0.0
	if total > 0 {
		pct = r.Elapsed.Seconds() / total.Seconds()
	}
	if pct > 1 {
		pct = 1
	}
	return fmt.Sprintf("\r%s %3.0f%% | %s/%s | VUs: %3d | RPS: %.1f | Req: %d | Err: %d | Checks ✗: %d",
		progressBar(pct, 20), pct*100,
		r.Elapsed.Round(time.Second), total,
		r.VUs,
		r.RequestRate(),
		r.Requests,
		r.RequestErrors+r.HTTPFailures,
		r.ChecksFailed,
	)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func ms(us int64) float64 {
	return float64(us) / 1000
}

func PrintSummary(w io.Writer, r *stats.Report) {
	fmt.Fprintf(w, "\n\n📊 LOAD TEST RESULTS\n")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total Duration : %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "VUs (peak)     : %d\n", r.PeakVUs)
	fmt.Fprintf(w, "Iterations     : %d (%d errors, %d interrupted)\n", r.Iterations, r.IterationErrors, r.IterationsInterrupted)
	fmt.Fprintf(w, "Requests Sent  : %d\n", r.Requests)
	fmt.Fprintf(w, "Failures       : %d transport, %d timeouts, %d http 4xx/5xx\n", r.RequestErrors, r.Timeouts, r.HTTPFailures)
	fmt.Fprintf(w, "Actual RPS     : %.2f\n", r.RequestRate())
	fmt.Fprintf(w, "Data Received  : %d bytes\n", r.BytesReceived)

	if len(r.Checks) > 0 {
		fmt.Fprintf(w, "\n✔️  CHECKS (%.2f%% passed)\n", r.CheckPassRate())
		for _, c := range r.Checks {
			mark := "✓"
			if c.Failed > 0 {
				mark = "✗"
			}
			fmt.Fprintf(w, "   %s %s  %d passed / %d failed\n", mark, c.Name, c.Passed, c.Failed)
		}
	}

	lat := r.Latency()
	if lat.Count > 0 {
		fmt.Fprintf(w, "\n⏱️  RESPONSE TIMES (ms, percentiles approx.)\n")
		fmt.Fprintf(w, "   Avg : %.2f\n", lat.Mean/1000)
		fmt.Fprintf(w, "   Min : %.2f\n", ms(lat.Min))
		fmt.Fprintf(w, "   P50 : %.2f\n", ms(lat.P50))
		fmt.Fprintf(w, "   P90 : %.2f\n", ms(lat.P90))
		fmt.Fprintf(w, "   P95 : %.2f\n", ms(lat.P95))
		fmt.Fprintf(w, "   P99 : %.2f\n", ms(lat.P99))
		fmt.Fprintf(w, "   Max : %.2f\n", ms(lat.Max))
	}

	if len(r.StatusCodes) > 0 {
		codes := make([]int, 0, len(r.StatusCodes))
		for c := range r.StatusCodes {
			codes = append(codes, c)
		}
		sort.Ints(codes)
		fmt.Fprintf(w, "\n📬 STATUS CODES\n")
		for _, c := range codes {
			fmt.Fprintf(w, "   %d : %d\n", c, r.StatusCodes[c])
		}
	}

	if len(r.Errors) > 0 {
		classes := make([]string, 0, len(r.Errors))
		for c := range r.Errors {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		fmt.Fprintf(w, "\n❌ FAILURE SUMMARY\n")
		for _, c := range classes {
			fmt.Fprintf(w, "   %d x %s\n", r.Errors[c], c)
		}
	}

	if r.Dropped > 0 || r.LiveDropped > 0 {
		fmt.Fprintf(w, "\n⚠️  %d samples outside histogram range, %d live updates skipped\n", r.Dropped, r.LiveDropped)
	}
	fmt.Fprintln(w, rule)
}
