package stats

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"surge/internal/httpexec"
)

// Built-in metric names.
const (
	MetricHTTPReqDuration   = "http_req_duration"
	MetricHTTPReqWaiting    = "http_req_waiting"
	MetricIterationDuration = "iteration_duration"
)

// EventKind is a counted occurrence with no value attached.
type EventKind int

const (
	EventRequest EventKind = iota
	EventRequestError
	EventTimeout
	EventHTTPFailure
	EventCheckPass
	EventCheckFail
	EventIteration
	EventIterationError
	EventIterationInterrupted

	numEvents
)

var eventNames = [numEvents]string{
	"requests",
	"request_errors",
	"timeouts",
	"http_failures",
	"checks_passed",
	"checks_failed",
	"iterations",
	"iteration_errors",
	"iterations_interrupted",
}

func (k EventKind) String() string {
	if k < 0 || k >= numEvents {
		return "unknown"
	}
	return eventNames[k]
}

type lockedSeries struct {
	mu sync.Mutex
	s  *series
}

type checkCounter struct {
	order int64
	pass  atomic.Uint64
	fail  atomic.Uint64
}

// Aggregator is the one structure every virtual user writes to.
//
// Writers hold the read side of mu for the duration of one record call and
// Snapshot holds the write side, so a snapshot never observes half of a
// multi-field record. Counters are atomics and each metric series has its
// own lock, so writers only contend when they touch the same series.
type Aggregator struct {
	mu sync.RWMutex

	start   time.Time
	events  [numEvents]atomic.Uint64
	bytes   atomic.Uint64
	vus     atomic.Int64
	peakVUs atomic.Int64

	series     sync.Map // string -> *lockedSeries
	checks     sync.Map // string -> *checkCounter
	checkSeq   atomic.Int64
	statuses   sync.Map // int -> *atomic.Uint64
	errClasses sync.Map // string -> *atomic.Uint64
}

func NewAggregator() *Aggregator {
	return &Aggregator{start: time.Now()}
}

// MarkStart resets the reference time used for Elapsed and rates.
func (a *Aggregator) MarkStart(t time.Time) {
	a.mu.Lock()
	a.start = t
	a.mu.Unlock()
}

// Record adds one sample to the named metric.
func (a *Aggregator) Record(name string, value int64) {
	a.mu.RLock()
	a.record(name, value)
	a.mu.RUnlock()
}

// RecordDuration records d in microseconds.
func (a *Aggregator) RecordDuration(name string, d time.Duration) {
	a.Record(name, d.Microseconds())
}

func (a *Aggregator) RecordEvent(kind EventKind) {
	if kind < 0 || kind >= numEvents {
		return
	}
	a.mu.RLock()
	a.events[kind].Inc()
	a.mu.RUnlock()
}

// RecordCheck counts one check outcome, globally and under its name.
func (a *Aggregator) RecordCheck(name string, passed bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c := a.checkFor(name)
	if passed {
		c.pass.Inc()
		a.events[EventCheckPass].Inc()
	} else {
		c.fail.Inc()
		a.events[EventCheckFail].Inc()
	}
}

// RecordRequest records every measurement of one completed request as a unit.
func (a *Aggregator) RecordRequest(res httpexec.Result) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	a.events[EventRequest].Inc()
	a.bytes.Add(uint64(res.Bytes))

	if res.Err != nil {
		a.events[EventRequestError].Inc()
		if res.TimedOut {
			a.events[EventTimeout].Inc()
		}
		counterFor(&a.errClasses, httpexec.ErrorClass(res)).Inc()
	} else {
		counterFor(&a.statuses, res.StatusCode).Inc()
		if res.StatusCode >= 400 {
			a.events[EventHTTPFailure].Inc()
		}
		a.record(MetricHTTPReqWaiting, res.Waiting.Microseconds())
	}
	a.record(MetricHTTPReqDuration, res.Latency.Microseconds())
}

// SetVUs publishes the number of active virtual users.
func (a *Aggregator) SetVUs(n int) {
	v := int64(n)
	a.vus.Store(v)
	for {
		peak := a.peakVUs.Load()
		if v <= peak || a.peakVUs.CompareAndSwap(peak, v) {
			return
		}
	}
}

// Snapshot returns a consistent point-in-time view. It may be called while
// writers are active.
func (a *Aggregator) Snapshot() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	r := Report{
		Start:                  a.start,
		End:                    now,
		Elapsed:                now.Sub(a.start),
		Requests:               a.events[EventRequest].Load(),
		RequestErrors:          a.events[EventRequestError].Load(),
		Timeouts:               a.events[EventTimeout].Load(),
		HTTPFailures:           a.events[EventHTTPFailure].Load(),
		ChecksPassed:           a.events[EventCheckPass].Load(),
		ChecksFailed:           a.events[EventCheckFail].Load(),
		Iterations:             a.events[EventIteration].Load(),
		IterationErrors:        a.events[EventIterationError].Load(),
		IterationsInterrupted:  a.events[EventIterationInterrupted].Load(),
		BytesReceived:          a.bytes.Load(),
		VUs:                    int(a.vus.Load()),
		PeakVUs:                int(a.peakVUs.Load()),
		Metrics:                make(map[string]MetricSummary),
		StatusCodes:            make(map[int]uint64),
		Errors:                 make(map[string]uint64),
		PercentilesApproximate: true,
	}

	a.series.Range(func(k, v interface{}) bool {
		ls := v.(*lockedSeries)
		ls.mu.Lock()
		m := ls.s.summary()
		ls.mu.Unlock()
		r.Metrics[k.(string)] = m
		r.Dropped += m.Dropped
		return true
	})

	type ordered struct {
		order int64
		CheckSummary
	}
	var checks []ordered
	a.checks.Range(func(k, v interface{}) bool {
		c := v.(*checkCounter)
		checks = append(checks, ordered{c.order, CheckSummary{
			Name:   k.(string),
			Passed: c.pass.Load(),
			Failed: c.fail.Load(),
		}})
		return true
	})
	sort.Slice(checks, func(i, j int) bool { return checks[i].order < checks[j].order })
	for _, c := range checks {
		r.Checks = append(r.Checks, c.CheckSummary)
	}

	a.statuses.Range(func(k, v interface{}) bool {
		r.StatusCodes[k.(int)] = v.(*atomic.Uint64).Load()
		return true
	})
	a.errClasses.Range(func(k, v interface{}) bool {
		r.Errors[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return r
}

// record assumes the caller holds the read side of a.mu.
func (a *Aggregator) record(name string, value int64) {
	v, ok := a.series.Load(name)
	if !ok {
		v, _ = a.series.LoadOrStore(name, &lockedSeries{s: newSeries()})
	}
	ls := v.(*lockedSeries)
	ls.mu.Lock()
	ls.s.record(value)
	ls.mu.Unlock()
}

func (a *Aggregator) checkFor(name string) *checkCounter {
	if v, ok := a.checks.Load(name); ok {
		return v.(*checkCounter)
	}
	// order is taken before publishing so first-declared checks sort first
	c := &checkCounter{order: a.checkSeq.Inc()}
	v, _ := a.checks.LoadOrStore(name, c)
	return v.(*checkCounter)
}

func counterFor(m *sync.Map, key interface{}) *atomic.Uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(key, atomic.NewUint64(0))
	return v.(*atomic.Uint64)
}
