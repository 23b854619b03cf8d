// Package metrics exposes a running test in the Prometheus text format.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"surge/internal/stats"
)

const namespace = "surge"

// Snapshotter is satisfied by *stats.Aggregator.
type Snapshotter interface {
	Snapshot() stats.Report
}

type counter struct {
	desc  *prometheus.Desc
	value func(stats.Report) uint64
}

// Collector turns one aggregator snapshot per scrape into metrics.
type Collector struct {
	src Snapshotter

	counters    []counter
	vus         *prometheus.Desc
	peakVUs     *prometheus.Desc
	checks      *prometheus.Desc
	responses   *prometheus.Desc
	errorsByCls *prometheus.Desc
	durations   *prometheus.Desc
}

func newCounter(name, help string, value func(stats.Report) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

func NewCollector(src Snapshotter) *Collector {
	return &Collector{
		src: src,
		counters: []counter{
			newCounter("requests_total", "Completed requests.", func(r stats.Report) uint64 { return r.Requests }),
			newCounter("request_errors_total", "Requests that failed at transport level.", func(r stats.Report) uint64 { return r.RequestErrors }),
			newCounter("timeouts_total", "Requests that hit the request timeout.", func(r stats.Report) uint64 { return r.Timeouts }),
			newCounter("http_failures_total", "Responses with a 4xx or 5xx status.", func(r stats.Report) uint64 { return r.HTTPFailures }),
			newCounter("iterations_total", "Scenario iterations started.", func(r stats.Report) uint64 { return r.Iterations }),
			newCounter("iteration_errors_total", "Iterations that returned an error or panicked.", func(r stats.Report) uint64 { return r.IterationErrors }),
			newCounter("iterations_interrupted_total", "Iterations cut short by the end of the run.", func(r stats.Report) uint64 { return r.IterationsInterrupted }),
			newCounter("bytes_received_total", "Response body bytes read.", func(r stats.Report) uint64 { return r.BytesReceived }),
			newCounter("samples_dropped_total", "Samples outside the histogram range.", func(r stats.Report) uint64 { return r.Dropped }),
		},
		vus:         prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "vus"), "Active virtual users.", nil, nil),
		peakVUs:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "vus_peak"), "Highest number of active virtual users.", nil, nil),
		checks:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "checks_total"), "Check outcomes.", []string{"check", "result"}, nil),
		responses:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "responses_total"), "Responses by status code.", []string{"code"}, nil),
		errorsByCls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "request_errors_by_class_total"), "Transport errors by class.", []string{"class"}, nil),
		durations:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "duration_seconds"), "Duration metrics, approximate quantiles.", []string{"metric"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cnt := range c.counters {
		ch <- cnt.desc
	}
	ch <- c.vus
	ch <- c.peakVUs
	ch <- c.checks
	ch <- c.responses
	ch <- c.errorsByCls
	ch <- c.durations
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.src.Snapshot()

	for _, cnt := range c.counters {
		ch <- prometheus.MustNewConstMetric(cnt.desc, prometheus.CounterValue, float64(cnt.value(r)))
	}
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(r.VUs))
	ch <- prometheus.MustNewConstMetric(c.peakVUs, prometheus.GaugeValue, float64(r.PeakVUs))

	for _, chk := range r.Checks {
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(chk.Passed), chk.Name, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(chk.Failed), chk.Name, "fail")
	}
	for code, n := range r.StatusCodes {
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(n), strconv.Itoa(code))
	}
	for class, n := range r.Errors {
		ch <- prometheus.MustNewConstMetric(c.errorsByCls, prometheus.CounterValue, float64(n), class)
	}
	for name, m := range r.Metrics {
		quantiles := map[float64]float64{
			0.5:  seconds(m.P50),
			0.9:  seconds(m.P90),
			0.95: seconds(m.P95),
			0.99: seconds(m.P99),
		}
		ch <- prometheus.MustNewConstSummary(c.durations, m.Count, seconds(m.Sum), quantiles, name)
	}
}

func seconds(us int64) float64 {
	return stats.Micros(us).Seconds()
}

// NewRegistry returns a registry holding only the collector for src.
func NewRegistry(src Snapshotter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))
	return reg
}

// Serve exposes /metrics on addr until ctx is cancelled. It returns once the
// listener is bound.
func Serve(ctx context.Context, addr string, src Snapshotter, log *zap.Logger) (net.Addr, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewRegistry(src), promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("prometheus metrics endpoint available", zap.String("url", "http://"+ln.Addr().String()+"/metrics"))
	return ln.Addr(), nil
}
