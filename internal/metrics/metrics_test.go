package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surge/internal/httpexec"
	"surge/internal/stats"
)

func populated() *stats.Aggregator {
	a := stats.NewAggregator()
	a.RecordRequest(httpexec.Result{StatusCode: 200, Latency: 20 * time.Millisecond, Bytes: 100})
	a.RecordRequest(httpexec.Result{StatusCode: 404, Latency: 10 * time.Millisecond})
	a.RecordCheck("status is 200", true)
	a.RecordCheck("status is 200", false)
	a.RecordEvent(stats.EventIteration)
	a.SetVUs(3)
	return a
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(populated())

	expected := `
# HELP surge_requests_total Completed requests.
# TYPE surge_requests_total counter
surge_requests_total 2
# HELP surge_http_failures_total Responses with a 4xx or 5xx status.
# TYPE surge_http_failures_total counter
surge_http_failures_total 1
# HELP surge_bytes_received_total Response body bytes read.
# TYPE surge_bytes_received_total counter
surge_bytes_received_total 100
# HELP surge_vus Active virtual users.
# TYPE surge_vus gauge
surge_vus 3
# HELP surge_checks_total Check outcomes.
# TYPE surge_checks_total counter
surge_checks_total{check="status is 200",result="fail"} 1
surge_checks_total{check="status is 200",result="pass"} 1
# HELP surge_responses_total Responses by status code.
# TYPE surge_responses_total counter
surge_responses_total{code="200"} 1
surge_responses_total{code="404"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"surge_requests_total", "surge_http_failures_total", "surge_bytes_received_total",
		"surge_vus", "surge_checks_total", "surge_responses_total")
	require.NoError(t, err)
}

func TestCollectorLints(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(populated()))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Serve(ctx, "127.0.0.1:0", populated(), nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "surge_requests_total 2")
	assert.Contains(t, string(body), `surge_duration_seconds_count{metric="http_req_duration"} 2`)
}
