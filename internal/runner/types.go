package runner

import (
	"time"

	"github.com/pkg/errors"

	"surge/internal/clock"
)

const (
	DefaultReconcileInterval = 100 * time.Millisecond
)

var (
	ErrInvalidVUs     = errors.New("vus must be at least 1")
	ErrInvalidOptions = errors.New("invalid run options")
	ErrNilScenario    = errors.New("scenario is nil")
	ErrAlreadyRun     = errors.New("scheduler has already run")
)

// RunOptions is built once before the run and never modified while it runs.
type RunOptions struct {
	VUs      int           `mapstructure:"vus"`
	Duration time.Duration `mapstructure:"duration"`
	// Stages, when set, replace Duration: the run lasts the sum of the stage
	// durations and the VU count follows the ramps, starting from VUs.
	Stages []clock.Stage `mapstructure:"stages"`

	// ThinkTime is paused between iterations, after the stop check.
	ThinkTime time.Duration `mapstructure:"think_time"`
	// MaxIterationRate caps iteration starts per second across all VUs.
	MaxIterationRate float64 `mapstructure:"max_iteration_rate"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// LiveInterval is the period of live snapshots; zero disables them.
	LiveInterval time.Duration `mapstructure:"live_interval"`
}

// Validate reports configuration errors. Nothing runs unless it returns nil.
func (o RunOptions) Validate() error {
	if o.VUs < 1 {
		return errors.Wrapf(ErrInvalidVUs, "got %d", o.VUs)
	}
	if o.ThinkTime < 0 {
		return errors.Wrapf(ErrInvalidOptions, "negative think time %s", o.ThinkTime)
	}
	if o.MaxIterationRate < 0 {
		return errors.Wrapf(ErrInvalidOptions, "negative iteration rate %v", o.MaxIterationRate)
	}
	if o.ReconcileInterval < 0 || o.LiveInterval < 0 {
		return errors.Wrap(ErrInvalidOptions, "negative interval")
	}
	_, err := clock.New(o.Duration, o.VUs, o.Stages)
	return err
}

// TotalDuration is the planned run time.
func (o RunOptions) TotalDuration() time.Duration {
	if len(o.Stages) == 0 {
		return o.Duration
	}
	var total time.Duration
	for _, s := range o.Stages {
		total += s.Duration
	}
	return total
}

// MaxVUs is the largest VU count the plan asks for.
func (o RunOptions) MaxVUs() int {
	max := o.VUs
	for _, s := range o.Stages {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}
