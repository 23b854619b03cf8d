package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"surge/internal/clock"
	"surge/internal/httpexec"
	"surge/internal/stats"
)

// UpdateChan carries live snapshots while a run is in progress.
type UpdateChan chan stats.Report

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithUpdates enables live snapshots every RunOptions.LiveInterval. Sends
// never block: a snapshot the consumer is not ready for is dropped and
// counted in Report.LiveDropped.
func WithUpdates(ch UpdateChan) Option {
	return func(s *Scheduler) {
		s.updates = ch
	}
}

// Scheduler owns one run: it starts the VUs, keeps their number on target
// while stages ramp, stops them when the clock runs out and returns the
// aggregated report.
type Scheduler struct {
	opts    RunOptions
	exec    *httpexec.Executor
	agg     *stats.Aggregator
	ctrl    *clock.Controller
	log     *zap.Logger
	updates UpdateChan

	started     *atomic.Bool
	liveDropped *atomic.Uint64
	nextID      int
	active      []*VirtualUser
}

// NewScheduler validates opts. Nothing is started until Run.
func NewScheduler(opts RunOptions, exec *httpexec.Executor, agg *stats.Aggregator, options ...Option) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.Wrap(ErrInvalidOptions, "executor is nil")
	}
	if agg == nil {
		agg = stats.NewAggregator()
	}
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}

	ctrl, err := clock.New(opts.Duration, opts.VUs, opts.Stages)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		opts:        opts,
		exec:        exec,
		agg:         agg,
		ctrl:        ctrl,
		log:         zap.NewNop(),
		started:     atomic.NewBool(false),
		liveDropped: atomic.NewUint64(0),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Controller exposes the run clock, mainly so callers can Stop the run.
func (s *Scheduler) Controller() *clock.Controller {
	return s.ctrl
}

func (s *Scheduler) Aggregator() *stats.Aggregator {
	return s.agg
}

// Run blocks until the run is over and every VU has returned. Cancelling ctx
// stops the run early; the partial report is still returned. A Scheduler can
// only run once.
func (s *Scheduler) Run(ctx context.Context, scenario Scenario) (*stats.Report, error) {
	if scenario == nil {
		return nil, ErrNilScenario
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	e := &env{
		opts:     s.opts,
		ctrl:     s.ctrl,
		exec:     s.exec,
		agg:      s.agg,
		scenario: scenario,
		log:      s.log,
	}
	if s.opts.MaxIterationRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(s.opts.MaxIterationRate), 1)
	}

	s.log.Info("run starting",
		zap.Int("vus", s.opts.VUs),
		zap.Int("max_vus", s.opts.MaxVUs()),
		zap.Duration("duration", s.ctrl.Total()),
		zap.Int("stages", len(s.opts.Stages)),
		zap.Duration("request_timeout", s.exec.Timeout()))

	s.agg.MarkStart(time.Now())
	s.ctrl.Start()

	// VUs get ctx minus its cancellation; stopping goes through the clock so
	// in-flight requests can finish.
	vuCtx := context.WithoutCancel(ctx)
	var vus errgroup.Group
	spawn := func(n int) { s.scaleTo(vuCtx, &vus, e, n) }

	spawn(s.ctrl.TargetConcurrency())

	var sup errgroup.Group
	sup.Go(func() error {
		select {
		case <-ctx.Done():
			s.log.Info("run cancelled, stopping virtual users", zap.Error(ctx.Err()))
			s.ctrl.Stop()
		case <-s.ctrl.Done():
		}
		return nil
	})
	if s.ctrl.Staged() {
		sup.Go(func() error {
			s.reconcile(spawn)
			return nil
		})
	}
	if s.updates != nil && s.opts.LiveInterval > 0 {
		sup.Go(func() error {
			s.every(s.opts.LiveInterval, s.sendUpdate)
			return nil
		})
	}

	<-s.ctrl.Done()
	_ = sup.Wait()
	_ = vus.Wait()
	s.agg.SetVUs(0)
	s.exec.CloseIdle()

	report := s.agg.Snapshot()
	report.LiveDropped = s.liveDropped.Load()

	s.log.Info("run finished",
		zap.Duration("elapsed", report.Elapsed),
		zap.Uint64("iterations", report.Iterations),
		zap.Uint64("requests", report.Requests),
		zap.Uint64("request_errors", report.RequestErrors),
		zap.Uint64("checks_failed", report.ChecksFailed),
		zap.Uint64("iterations_interrupted", report.IterationsInterrupted))
	return &report, nil
}

// every calls fn on a ticker until the run is over.
func (s *Scheduler) every(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctrl.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// reconcile applies the stage target on every tick and at each stage boundary.
func (s *Scheduler) reconcile(scale func(int)) {
	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()

	bounds := s.ctrl.Boundaries()
	boundary := time.NewTimer(time.Hour)
	defer boundary.Stop()
	arm := func() {
		el := s.ctrl.Elapsed()
		for len(bounds) > 0 && bounds[0] <= el {
			bounds = bounds[1:]
		}
		if len(bounds) > 0 {
			boundary.Reset(bounds[0] - el)
		} else {
			boundary.Stop()
		}
	}
	arm()

	for {
		select {
		case <-s.ctrl.Done():
			return
		case <-ticker.C:
			scale(s.ctrl.TargetConcurrency())
		case <-boundary.C:
			scale(s.ctrl.TargetConcurrency())
			arm()
		}
	}
}

// scaleTo starts or retires VUs until n are active. The most recently started
// VUs are retired first. Only the reconcile goroutine and Run's initial call
// reach here, never concurrently.
func (s *Scheduler) scaleTo(ctx context.Context, g *errgroup.Group, e *env, n int) {
	if s.ctrl.ShouldStop() {
		return
	}
	before := len(s.active)
	for len(s.active) < n {
		s.nextID++
		v := newVirtualUser(s.nextID, e)
		s.active = append(s.active, v)
		g.Go(func() error {
			v.Run(ctx)
			return nil
		})
	}
	for len(s.active) > n {
		last := len(s.active) - 1
		s.active[last].Retire()
		s.active = s.active[:last]
	}
	if len(s.active) != before {
		s.log.Debug("scaled virtual users", zap.Int("from", before), zap.Int("to", len(s.active)))
	}
	s.agg.SetVUs(len(s.active))
}

func (s *Scheduler) sendUpdate() {
	r := s.agg.Snapshot()
	r.LiveDropped = s.liveDropped.Load()
	select {
	case s.updates <- r:
	default:
		s.liveDropped.Inc()
	}
}

// Run is a one-shot helper: a fresh aggregator, one scheduler, one run.
func Run(ctx context.Context, opts RunOptions, exec *httpexec.Executor, scenario Scenario, options ...Option) (*stats.Report, error) {
	s, err := NewScheduler(opts, exec, stats.NewAggregator(), options...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, scenario)
}
