package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"surge/internal/check"
	"surge/internal/httpexec"
)

// ErrAborted marks work skipped because the VU was already stopping.
var ErrAborted = errors.New("aborted: run is stopping")

// Scenario is the entry procedure a VU invokes once per iteration.
type Scenario interface {
	Iterate(ctx context.Context, it *Iteration) error
}

type ScenarioFunc func(ctx context.Context, it *Iteration) error

func (f ScenarioFunc) Iterate(ctx context.Context, it *Iteration) error {
	return f(ctx, it)
}

// Iteration exposes the request, check and pause primitives to a scenario.
// It belongs to a single VU and a single iteration and must not be shared.
type Iteration struct {
	ctx         context.Context
	vu          *VirtualUser
	number      uint64
	interrupted bool
	failure     error
}

func (it *Iteration) VU() int {
	return it.vu.id
}

// Number is the 1-based iteration count of this VU.
func (it *Iteration) Number() uint64 {
	return it.number
}

func (it *Iteration) Logger() *zap.Logger {
	return it.vu.log
}

// Request issues spec and records the result. Once the VU is stopping no new
// request is started: an Aborted result is returned and nothing is recorded.
func (it *Iteration) Request(spec httpexec.RequestSpec) httpexec.Result {
	if it.vu.stopping() {
		it.interrupted = true
		return httpexec.Result{Name: spec.Name, Aborted: true, Err: ErrAborted}
	}

	res, err := it.vu.env.exec.Execute(it.ctx, spec)
	if err != nil {
		// the request never went out; fail the iteration and move on
		if it.vu.stopping() {
			it.interrupted = true
		} else if it.failure == nil {
			it.failure = err
		}
		res.Aborted = true
		res.Err = err
		return res
	}
	it.vu.env.agg.RecordRequest(res)
	return res
}

// Check evaluates and records one named check. Checks against aborted
// results are evaluated as failed but not recorded.
func (it *Iteration) Check(name string, p check.Predicate, res httpexec.Result) check.Outcome {
	if res.Aborted {
		return check.Outcome{Name: name, Err: ErrAborted}
	}
	out := check.Evaluate(name, p, res)
	it.vu.env.agg.RecordCheck(out.Name, out.Passed)
	if out.Err != nil {
		it.vu.log.Debug("check errored", zap.String("check", name), zap.Error(out.Err))
	}
	return out
}

// Checks evaluates checks in order and records each outcome.
func (it *Iteration) Checks(res httpexec.Result, checks ...check.Check) []check.Outcome {
	out := make([]check.Outcome, 0, len(checks))
	for _, c := range checks {
		out = append(out, it.Check(c.Name, c.Predicate, res))
	}
	return out
}

// Sleep pauses without busy-waiting. It returns false if the VU was told to
// stop before d elapsed.
func (it *Iteration) Sleep(d time.Duration) bool {
	ok := it.vu.pause(d)
	if !ok {
		it.interrupted = true
	}
	return ok
}
