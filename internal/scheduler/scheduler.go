package scheduler

import (
	"sync"
	"time"
)

const (
	// throughputWindow bounds the samples retained for the moving average.
	throughputWindow = 24
	// Per-connection thresholds driving the parallelism target.
	scaleUpThreshold   = 8_000_000.0 // ~8 MB/s of headroom per worker
	scaleDownThreshold = 200_000.0   // ~200 KB/s signals saturation
	// adjustmentInterval throttles target changes so one fast or slow
	// segment cannot dominate.
	adjustmentInterval = 2 * time.Second
)

// Task is one pending segment as handed to a worker.
type Task struct {
	ID         int
	Start      uint64
	End        uint64
	Downloaded uint64
}

// Stats reports one completed segment back to the scheduler.
type Stats struct {
	ID       int
	Bytes    uint64
	Duration time.Duration
}

// Throughput returns bytes per second for the sample, treating a zero
// duration as the raw byte count to avoid dividing by zero.
func (s Stats) Throughput() float64 {
	if s.Duration <= 0 {
		return float64(s.Bytes)
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// Snapshot is the observer view of scheduler state.
type Snapshot struct {
	Pending           int
	Active            int
	TargetParallelism int
}

// Scheduler is a passive admission-controlled queue of segment tasks with
// an adaptive parallelism target. The manager drives it: admission is
// pull-based via NextSegment, completions feed back via OnSegmentComplete.
type Scheduler struct {
	maxParallelism int

	mu             sync.Mutex
	pending        []Task
	active         int
	target         int
	recentSpeeds   []float64
	lastAdjustment time.Time

	now func() time.Time // test seam
}

func New(pending []Task, initialParallelism, maxParallelism int) *Scheduler {
	if maxParallelism < 1 {
		maxParallelism = 1
	}
	if initialParallelism < 1 {
		initialParallelism = 1
	}
	if initialParallelism > maxParallelism {
		initialParallelism = maxParallelism
	}
	return &Scheduler{
		maxParallelism: maxParallelism,
		pending:        pending,
		target:         initialParallelism,
		lastAdjustment: time.Now(),
		now:            time.Now,
	}
}

// NextSegment pops the head of the pending queue if a worker slot is
// available. Callers must wait for a completion before asking again when
// no task is returned.
func (s *Scheduler) NextSegment() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active >= s.target || len(s.pending) == 0 {
		return Task{}, false
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	s.active++
	return task, true
}

// OnSegmentComplete records a completion, feeds its throughput sample into
// the window and, at most once per adjustment interval, nudges the target
// parallelism up or down based on the per-connection average.
//
// The average is divided by the current target rather than the live active
// count: a completion briefly drops active below target and dividing by it
// would oscillate the control law.
func (s *Scheduler) OnSegmentComplete(st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}

	s.recentSpeeds = append(s.recentSpeeds, st.Throughput())
	if len(s.recentSpeeds) > throughputWindow {
		s.recentSpeeds = s.recentSpeeds[1:]
	}

	now := s.now()
	if now.Sub(s.lastAdjustment) < adjustmentInterval {
		return
	}
	s.lastAdjustment = now

	if len(s.recentSpeeds) == 0 {
		return
	}
	var total float64
	for _, v := range s.recentSpeeds {
		total += v
	}
	avg := total / float64(len(s.recentSpeeds))
	target := s.target
	if target < 1 {
		target = 1
	}
	perConn := avg / float64(target)

	switch {
	case perConn > scaleUpThreshold && s.target < s.maxParallelism:
		s.target++
	case perConn < scaleDownThreshold && s.target > 1:
		s.target--
	}
}

// HasRemaining reports whether any task is still pending or in flight.
func (s *Scheduler) HasRemaining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || s.active > 0
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Pending:           len(s.pending),
		Active:            s.active,
		TargetParallelism: s.target,
	}
}
