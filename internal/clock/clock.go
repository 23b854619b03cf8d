package clock

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	ErrNonPositiveDuration = errors.New("run duration must be positive")
	ErrInvalidStage        = errors.New("invalid stage")
)

// Stage ramps the target VU count linearly to Target over Duration.
type Stage struct {
	Target   int           `json:"target" mapstructure:"target"`
	Duration time.Duration `json:"duration" mapstructure:"duration"`
}

// Controller tracks elapsed wall-clock time against a fixed deadline and
// tells workers when to stop. ShouldStop never blocks.
type Controller struct {
	total    time.Duration
	startVUs int
	stages   []Stage

	startNano *atomic.Int64
	deadline  *atomic.Int64
	stopped   *atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	timer    *time.Timer
	timerMu  sync.Mutex
}

// New validates the plan and returns an unstarted controller. With stages the
// total run time is the sum of the stage durations and total is ignored.
func New(total time.Duration, startVUs int, stages []Stage) (*Controller, error) {
	if len(stages) > 0 {
		total = 0
		for i, s := range stages {
			if s.Duration <= 0 {
				return nil, errors.Wrapf(ErrInvalidStage, "stage %d: duration %s", i, s.Duration)
			}
			if s.Target < 0 {
				return nil, errors.Wrapf(ErrInvalidStage, "stage %d: target %d", i, s.Target)
			}
			total += s.Duration
		}
	}
	if total <= 0 {
		return nil, errors.Wrapf(ErrNonPositiveDuration, "got %s", total)
	}

	cp := make([]Stage, len(stages))
	copy(cp, stages)

	return &Controller{
		total:     total,
		startVUs:  startVUs,
		stages:    cp,
		startNano: atomic.NewInt64(0),
		deadline:  atomic.NewInt64(0),
		stopped:   atomic.NewBool(false),
		done:      make(chan struct{}),
	}, nil
}

// Start fixes the deadline at now+Total. Calling it twice has no effect.
func (c *Controller) Start() {
	now := time.Now()
	if !c.startNano.CompareAndSwap(0, now.UnixNano()) {
		return
	}
	c.deadline.Store(now.Add(c.total).UnixNano())

	c.timerMu.Lock()
	c.timer = time.AfterFunc(c.total, c.Stop)
	c.timerMu.Unlock()
}

// Stop makes ShouldStop report true immediately and closes Done.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.done)

		c.timerMu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()
	})
}

func (c *Controller) ShouldStop() bool {
	if c.stopped.Load() {
		return true
	}
	d := c.deadline.Load()
	return d != 0 && time.Now().UnixNano() >= d
}

// Done is closed once the run has been stopped or the deadline has passed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Elapsed() time.Duration {
	s := c.startNano.Load()
	if s == 0 {
		return 0
	}
	return time.Since(time.Unix(0, s))
}

func (c *Controller) Total() time.Duration {
	return c.total
}

// Staged reports whether the VU target varies over time.
func (c *Controller) Staged() bool {
	return len(c.stages) > 0
}

// TargetConcurrency is the VU target for the current elapsed time.
func (c *Controller) TargetConcurrency() int {
	return c.TargetAt(c.Elapsed())
}

// TargetAt interpolates linearly from the previous level (startVUs before the
// first stage) to each stage's target over that stage's duration.
func (c *Controller) TargetAt(elapsed time.Duration) int {
	if len(c.stages) == 0 {
		return c.startVUs
	}
	from := c.startVUs
	var offset time.Duration
	for _, s := range c.stages {
		if elapsed < offset+s.Duration {
			frac := float64(elapsed-offset) / float64(s.Duration)
			if frac < 0 {
				frac = 0
			}
			return from + int(float64(s.Target-from)*frac)
		}
		offset += s.Duration
		from = s.Target
	}
	return from
}

// MaxTarget is the highest VU count the plan ever asks for.
func (c *Controller) MaxTarget() int {
	max := c.startVUs
	for _, s := range c.stages {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}

// Boundaries returns the elapsed offsets at which each stage ends.
func (c *Controller) Boundaries() []time.Duration {
	out := make([]time.Duration, 0, len(c.stages))
	var offset time.Duration
	for _, s := range c.stages {
		offset += s.Duration
		out = append(out, offset)
	}
	return out
}
