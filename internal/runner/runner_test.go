package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"surge/internal/check"
	"surge/internal/clock"
	"surge/internal/dummy"
	"surge/internal/httpexec"
	"surge/internal/stats"
)

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(dummy.Handler(dummy.ServerConfig{Scale: 0.01}))
	t.Cleanup(srv.Close)
	return srv
}

func newExec() *httpexec.Executor {
	return httpexec.New(httpexec.Config{Timeout: 2 * time.Second})
}

func run(t *testing.T, opts RunOptions, exec *httpexec.Executor, sc Scenario, options ...Option) *stats.Report {
	t.Helper()
	if exec == nil {
		exec = newExec()
	}
	s, err := NewScheduler(opts, exec, stats.NewAggregator(), options...)
	require.NoError(t, err)
	r, err := s.Run(context.Background(), sc)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestInvalidOptions(t *testing.T) {
	exec := newExec()
	for _, tc := range []struct {
		name string
		opts RunOptions
		want error
	}{
		{"zero vus", RunOptions{VUs: 0, Duration: time.Second}, ErrInvalidVUs},
		{"negative vus", RunOptions{VUs: -3, Duration: time.Second}, ErrInvalidVUs},
		{"zero duration", RunOptions{VUs: 1}, clock.ErrNonPositiveDuration},
		{"bad stage", RunOptions{VUs: 1, Stages: []clock.Stage{{Target: 2}}}, clock.ErrInvalidStage},
		{"negative think time", RunOptions{VUs: 1, Duration: time.Second, ThinkTime: -time.Second}, ErrInvalidOptions},
		{"negative rate", RunOptions{VUs: 1, Duration: time.Second, MaxIterationRate: -1}, ErrInvalidOptions},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScheduler(tc.opts, exec, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	_, err := NewScheduler(RunOptions{VUs: 1, Duration: time.Second}, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestRunAgainstHealthyTarget(t *testing.T) {
	srv := newTarget(t)
	exec := newExec()
	opts := RunOptions{VUs: 5, Duration: 400 * time.Millisecond}

	seen := sync.Map{}
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		seen.Store(it.VU(), true)
		res := it.Request(httpexec.RequestSpec{Method: http.MethodGet, URL: srv.URL + "/page/hi"})
		it.Check("status is 200", check.StatusIs(200), res)
		it.Sleep(10 * time.Millisecond)
		return nil
	})

	start := time.Now()
	r := run(t, opts, exec, sc)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, opts.Duration+exec.Timeout(), "run must end within duration plus one request timeout")
	assert.GreaterOrEqual(t, elapsed, opts.Duration)

	assert.Greater(t, r.Requests, uint64(0))
	assert.Zero(t, r.RequestErrors)
	assert.Zero(t, r.ChecksFailed)
	assert.Equal(t, r.Requests, r.ChecksPassed)
	assert.Equal(t, r.Requests, r.StatusCodes[200])
	assert.Equal(t, r.Requests, r.Latency().Count)
	assert.Equal(t, r.Iterations, r.Metrics[stats.MetricIterationDuration].Count)
	assert.Equal(t, 5, r.PeakVUs)
	assert.Zero(t, r.VUs)

	n := 0
	seen.Range(func(_, _ interface{}) bool { n++; return true })
	assert.Equal(t, 5, n)
}

func TestThroughputMatchesPacing(t *testing.T) {
	srv := newTarget(t)
	const (
		vus   = 10
		pause = 100 * time.Millisecond
	)
	opts := RunOptions{VUs: vus, Duration: time.Second}

	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		res := it.Request(httpexec.RequestSpec{Method: http.MethodGet, URL: srv.URL + "/page/hi"})
		it.Check("status is 200", check.StatusIs(200), res)
		it.Sleep(pause)
		return nil
	})
	r := run(t, opts, nil, sc)

	require.Greater(t, r.Requests, uint64(0))
	latency := r.Latency().MeanDuration()
	expected := float64(vus) * opts.Duration.Seconds() / (latency + pause).Seconds()

	// each VU may get one extra request in before its last pause is cut short
	assert.GreaterOrEqual(t, float64(r.Requests), expected*0.7, "requests=%d expected≈%.1f", r.Requests, expected)
	assert.LessOrEqual(t, float64(r.Requests), expected+vus, "requests=%d expected≈%.1f", r.Requests, expected)
	assert.Equal(t, r.Requests, r.ChecksPassed)
	assert.Zero(t, r.ChecksFailed)
	assert.Zero(t, r.RequestErrors)
}

func TestScenarioErrorsAreCountedPerIteration(t *testing.T) {
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		return errors.New("boom")
	})
	r := run(t, RunOptions{VUs: 3, Duration: 150 * time.Millisecond, ThinkTime: 5 * time.Millisecond}, nil, sc)

	assert.Greater(t, r.Iterations, uint64(0))
	assert.Equal(t, r.Iterations, r.IterationErrors)
	assert.Zero(t, r.Requests)
}

func TestFailingCheckIsCountedEveryIteration(t *testing.T) {
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		it.Check("never", func(httpexec.Result) (bool, error) { return false, nil }, httpexec.Result{StatusCode: 200})
		return nil
	})
	r := run(t, RunOptions{VUs: 2, Duration: 100 * time.Millisecond, ThinkTime: 2 * time.Millisecond}, nil, sc)

	assert.Greater(t, r.Iterations, uint64(0))
	assert.Equal(t, r.Iterations, r.ChecksFailed)
	assert.Zero(t, r.ChecksPassed)
	assert.Zero(t, r.IterationErrors)
	require.Len(t, r.Checks, 1)
	assert.Equal(t, "never", r.Checks[0].Name)
}

func TestPanicIsRecovered(t *testing.T) {
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		panic("scenario bug")
	})
	r := run(t, RunOptions{VUs: 2, Duration: 100 * time.Millisecond, ThinkTime: 5 * time.Millisecond}, nil, sc)

	assert.Greater(t, r.Iterations, uint64(0))
	assert.Equal(t, r.Iterations, r.IterationErrors)
}

func TestCancellationIsPrompt(t *testing.T) {
	s, err := NewScheduler(RunOptions{VUs: 4, Duration: time.Minute}, newExec(), nil)
	require.NoError(t, err)

	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		it.Sleep(time.Minute)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	r, err := s.Run(ctx, sc)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 4, r.Iterations)
	assert.EqualValues(t, 4, r.IterationsInterrupted)
	assert.True(t, s.Controller().ShouldStop())
}

func TestStopDoesNotAbortInFlightRequest(t *testing.T) {
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewScheduler(RunOptions{VUs: 1, Duration: time.Minute}, newExec(), nil)
	require.NoError(t, err)
	go func() {
		<-started
		s.Controller().Stop()
	}()

	r, err := s.Run(context.Background(), ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		res := it.Request(httpexec.RequestSpec{URL: srv.URL})
		it.Check("ok", check.StatusIs(200), res)
		// issued after stop: must not reach the network
		again := it.Request(httpexec.RequestSpec{URL: srv.URL})
		assert.True(t, again.Aborted)
		it.Check("ok", check.StatusIs(200), again)
		return nil
	}))
	require.NoError(t, err)

	assert.EqualValues(t, 1, r.Requests)
	assert.EqualValues(t, 1, r.StatusCodes[200])
	assert.EqualValues(t, 1, r.ChecksPassed)
	assert.Zero(t, r.ChecksFailed)
	assert.EqualValues(t, 1, r.IterationsInterrupted)
}

func TestUnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		res := it.Request(httpexec.RequestSpec{URL: url})
		it.Check("status is 200", check.StatusIs(200), res)
		it.Sleep(5 * time.Millisecond)
		return nil
	})
	r := run(t, RunOptions{VUs: 2, Duration: 150 * time.Millisecond}, nil, sc)

	assert.Greater(t, r.Requests, uint64(0))
	assert.Equal(t, r.Requests, r.RequestErrors)
	assert.Equal(t, r.Requests, r.ChecksFailed)
	assert.Equal(t, r.Requests, r.Errors["connection refused"])
	assert.Zero(t, r.IterationErrors)
	assert.InDelta(t, 100, r.ErrorRate(), 0.001)
}

func TestStagesRampVirtualUsers(t *testing.T) {
	opts := RunOptions{
		VUs: 1,
		Stages: []clock.Stage{
			{Target: 6, Duration: 250 * time.Millisecond},
			{Target: 6, Duration: 100 * time.Millisecond},
			{Target: 1, Duration: 150 * time.Millisecond},
		},
		ReconcileInterval: 10 * time.Millisecond,
	}
	var ids sync.Map
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		ids.Store(it.VU(), true)
		it.Sleep(5 * time.Millisecond)
		return nil
	})

	start := time.Now()
	r := run(t, opts, nil, sc)
	assert.GreaterOrEqual(t, time.Since(start), opts.TotalDuration())

	assert.Equal(t, 6, r.PeakVUs)
	n := 0
	ids.Range(func(_, _ interface{}) bool { n++; return true })
	assert.Equal(t, 6, n, "ramp down retires VUs instead of restarting them")
}

func TestIterationRateCap(t *testing.T) {
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error { return nil })
	r := run(t, RunOptions{VUs: 4, Duration: 500 * time.Millisecond, MaxIterationRate: 20}, nil, sc)

	assert.Greater(t, r.Iterations, uint64(0))
	assert.LessOrEqual(t, r.Iterations, uint64(13))
}

func TestSlotExhaustionFailsIteration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
	}))
	defer srv.Close()

	exec := httpexec.New(httpexec.Config{Timeout: time.Second, MaxConns: 1, AcquireTimeout: 10 * time.Millisecond})
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		it.Request(httpexec.RequestSpec{URL: srv.URL})
		return nil
	})
	r := run(t, RunOptions{VUs: 3, Duration: 300 * time.Millisecond}, exec, sc)

	assert.Greater(t, r.Requests, uint64(0))
	assert.Greater(t, r.IterationErrors, uint64(0))
	assert.Zero(t, r.RequestErrors)
}

func TestLiveUpdates(t *testing.T) {
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		it.Sleep(5 * time.Millisecond)
		return nil
	})

	updates := make(UpdateChan, 100)
	r := run(t, RunOptions{VUs: 1, Duration: 200 * time.Millisecond, LiveInterval: 20 * time.Millisecond}, nil, sc, WithUpdates(updates))
	assert.NotEmpty(t, updates)
	assert.Zero(t, r.LiveDropped)

	// nobody reads an unbuffered channel
	r = run(t, RunOptions{VUs: 1, Duration: 200 * time.Millisecond, LiveInterval: 20 * time.Millisecond}, nil, sc, WithUpdates(make(UpdateChan)))
	assert.Greater(t, r.LiveDropped, uint64(0))
}

func TestSchedulerRunsOnce(t *testing.T) {
	s, err := NewScheduler(RunOptions{VUs: 1, Duration: 20 * time.Millisecond}, newExec(), nil)
	require.NoError(t, err)
	sc := ScenarioFunc(func(ctx context.Context, it *Iteration) error {
		it.Sleep(time.Millisecond)
		return nil
	})

	_, err = s.Run(context.Background(), nil)
	assert.Equal(t, ErrNilScenario, err)

	_, err = s.Run(context.Background(), sc)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), sc)
	assert.Equal(t, ErrAlreadyRun, err)
}

func TestVirtualUserStates(t *testing.T) {
	ctrl, err := clock.New(time.Minute, 1, nil)
	require.NoError(t, err)
	ctrl.Start()
	defer ctrl.Stop()

	e := &env{
		ctrl:     ctrl,
		exec:     newExec(),
		agg:      stats.NewAggregator(),
		log:      zap.NewNop(),
		scenario: ScenarioFunc(func(ctx context.Context, it *Iteration) error { it.Sleep(time.Minute); return nil }),
	}
	v := newVirtualUser(1, e)
	assert.Equal(t, StateIdle, v.State())

	done := make(chan struct{})
	go func() {
		v.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return v.State() == StateRunning && v.Iterations() == 1 }, time.Second, 5*time.Millisecond)

	v.Retire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retired VU did not return")
	}
	assert.Equal(t, StateDone, v.State())
	assert.False(t, ctrl.ShouldStop(), "retiring a VU does not stop the run")
	assert.Equal(t, "stopping", StateStopping.String())
}
