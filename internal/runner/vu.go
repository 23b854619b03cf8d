package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"surge/internal/clock"
	"surge/internal/httpexec"
	"surge/internal/stats"
)

// State is the lifecycle of a VirtualUser: Idle -> Running -> Stopping -> Done.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// env is what every VU of one run shares.
type env struct {
	opts     RunOptions
	ctrl     *clock.Controller
	exec     *httpexec.Executor
	agg      *stats.Aggregator
	limiter  *rate.Limiter
	scenario Scenario
	log      *zap.Logger
}

// VirtualUser runs the scenario in a closed loop: the next iteration starts
// only after the previous one, plus think time, has finished.
type VirtualUser struct {
	id  int
	env *env
	log *zap.Logger

	state      *atomic.Int32
	iterations *atomic.Uint64

	retire     chan struct{}
	retireOnce sync.Once
}

func newVirtualUser(id int, e *env) *VirtualUser {
	return &VirtualUser{
		id:         id,
		env:        e,
		log:        e.log.With(zap.Int("vu", id)),
		state:      atomic.NewInt32(int32(StateIdle)),
		iterations: atomic.NewUint64(0),
		retire:     make(chan struct{}),
	}
}

func (v *VirtualUser) ID() int {
	return v.id
}

func (v *VirtualUser) State() State {
	return State(v.state.Load())
}

// Iterations is the number of iterations this VU has started.
func (v *VirtualUser) Iterations() uint64 {
	return v.iterations.Load()
}

// Retire asks the VU to stop after its current iteration, independently of
// the run as a whole. Used when a stage ramps the VU count down.
func (v *VirtualUser) Retire() {
	v.retireOnce.Do(func() { close(v.retire) })
}

func (v *VirtualUser) retired() bool {
	select {
	case <-v.retire:
		return true
	default:
		return false
	}
}

func (v *VirtualUser) stopping() bool {
	return v.env.ctrl.ShouldStop() || v.retired()
}

// Run loops until the run stops or the VU is retired. The stop signal is only
// honoured between iterations, at think time, and before new requests; a
// request already in flight always completes.
func (v *VirtualUser) Run(ctx context.Context) {
	if !v.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return
	}
	defer v.state.Store(int32(StateDone))

	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-v.env.ctrl.Done():
		case <-v.retire:
		case <-iterCtx.Done():
			return
		}
		v.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		cancel()
	}()

	for !v.stopping() {
		if v.env.limiter != nil {
			if err := v.env.limiter.Wait(iterCtx); err != nil {
				break
			}
			if v.stopping() {
				break
			}
		}

		v.iterate(iterCtx)

		if v.stopping() {
			break
		}
		if v.env.opts.ThinkTime > 0 && !v.pause(v.env.opts.ThinkTime) {
			break
		}
	}
	v.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

func (v *VirtualUser) iterate(ctx context.Context) {
	it := &Iteration{
		ctx:    ctx,
		vu:     v,
		number: v.iterations.Inc(),
	}

	start := time.Now()
	err := v.invoke(ctx, it)
	if err == nil {
		err = it.failure
	}

	agg := v.env.agg
	agg.RecordEvent(stats.EventIteration)
	agg.RecordDuration(stats.MetricIterationDuration, time.Since(start))
	if err != nil {
		agg.RecordEvent(stats.EventIterationError)
		v.log.Debug("iteration failed", zap.Uint64("iteration", it.number), zap.Error(err))
	}
	if it.interrupted {
		agg.RecordEvent(stats.EventIterationInterrupted)
	}
}

// invoke turns a panic in the scenario into an iteration error.
func (v *VirtualUser) invoke(ctx context.Context, it *Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("scenario panic: %v", r)
			v.log.Warn("scenario panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	return v.env.scenario.Iterate(ctx, it)
}

// pause sleeps for d, returning false early if the VU is told to stop.
func (v *VirtualUser) pause(d time.Duration) bool {
	if v.stopping() {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-v.env.ctrl.Done():
		return false
	case <-v.retire:
		return false
	}
}
