package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(n int) []Task {
	out := make([]Task, n)
	for i := range out {
		out[i] = Task{ID: i, Start: uint64(i) * 100, End: uint64(i)*100 + 99}
	}
	return out
}

func TestAdmissionRespectsTarget(t *testing.T) {
	s := New(tasks(10), 3, 8)

	var admitted []Task
	for {
		task, ok := s.NextSegment()
		if !ok {
			break
		}
		admitted = append(admitted, task)
	}
	require.Len(t, admitted, 3)

	// FIFO order.
	assert.Equal(t, 0, admitted[0].ID)
	assert.Equal(t, 1, admitted[1].ID)
	assert.Equal(t, 2, admitted[2].ID)

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Active)
	assert.Equal(t, 7, snap.Pending)
	assert.LessOrEqual(t, snap.Active, snap.TargetParallelism)

	// A completion frees exactly one slot.
	s.OnSegmentComplete(Stats{ID: 0, Bytes: 100, Duration: time.Second})
	_, ok := s.NextSegment()
	assert.True(t, ok)
	_, ok = s.NextSegment()
	assert.False(t, ok)
}

func TestInitialTargetClamped(t *testing.T) {
	s := New(tasks(4), 64, 8)
	assert.Equal(t, 8, s.Snapshot().TargetParallelism)

	s = New(tasks(4), 0, 0)
	assert.Equal(t, 1, s.Snapshot().TargetParallelism)
}

func TestScaleUpOnFastCompletions(t *testing.T) {
	s := New(tasks(100), 2, 6)

	clock := time.Now()
	s.now = func() time.Time { return clock }

	// Per-connection throughput far above the threshold, completions
	// spaced past the adjustment interval.
	for i := 0; i < 10; i++ {
		clock = clock.Add(3 * time.Second)
		s.NextSegment()
		s.OnSegmentComplete(Stats{ID: i, Bytes: 400 << 20, Duration: 2 * time.Second})
	}
	assert.Equal(t, 6, s.Snapshot().TargetParallelism, "target should climb to max")
}

func TestScaleDownOnSlowCompletions(t *testing.T) {
	s := New(tasks(100), 5, 8)

	clock := time.Now()
	s.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		clock = clock.Add(3 * time.Second)
		s.NextSegment()
		s.OnSegmentComplete(Stats{ID: i, Bytes: 10 << 10, Duration: 2 * time.Second})
	}
	assert.Equal(t, 1, s.Snapshot().TargetParallelism, "target should fall to one")
}

func TestAdjustmentThrottled(t *testing.T) {
	s := New(tasks(100), 2, 8)

	clock := time.Now()
	s.now = func() time.Time { return clock }

	// Rapid-fire completions inside one adjustment interval change the
	// target at most once.
	clock = clock.Add(3 * time.Second)
	for i := 0; i < 5; i++ {
		s.NextSegment()
		s.OnSegmentComplete(Stats{ID: i, Bytes: 400 << 20, Duration: 2 * time.Second})
	}
	assert.Equal(t, 3, s.Snapshot().TargetParallelism)
}

func TestZeroDurationSample(t *testing.T) {
	st := Stats{ID: 0, Bytes: 1234, Duration: 0}
	assert.Equal(t, 1234.0, st.Throughput())
}

func TestHasRemaining(t *testing.T) {
	s := New(tasks(1), 1, 1)
	assert.True(t, s.HasRemaining())

	task, ok := s.NextSegment()
	require.True(t, ok)
	assert.True(t, s.HasRemaining(), "in-flight task counts as remaining")

	s.OnSegmentComplete(Stats{ID: task.ID, Bytes: 1, Duration: time.Millisecond})
	assert.False(t, s.HasRemaining())
}
