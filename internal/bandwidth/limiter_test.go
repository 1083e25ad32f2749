package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeWithinBurstReturnsImmediately(t *testing.T) {
	l := NewLimiter(1 << 20)

	start := time.Now()
	require.NoError(t, l.Consume(context.Background(), 64<<10))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestConsumedBytesBoundedByRate(t *testing.T) {
	const rate = 512 << 10 // 512 KiB/s
	l := NewLimiter(rate)

	const window = 1200 * time.Millisecond
	var consumed uint64

	start := time.Now()
	for time.Since(start) < window {
		require.NoError(t, l.Consume(context.Background(), 16<<10))
		consumed += 16 << 10
	}
	elapsed := time.Since(start).Seconds()

	// Upper bound: sustained rate plus the 2R burst credit.
	assert.LessOrEqual(t, float64(consumed), rate*elapsed+2*rate)
	// Steady state lower bound, modulo the wait quantum.
	assert.GreaterOrEqual(t, float64(consumed), rate*elapsed-2*rate)
}

func TestConsumeBlocksWhenBucketEmpty(t *testing.T) {
	const rate = 100 << 10
	l := NewLimiter(rate)

	// Drain the initial credit, then ask for half a second worth of bytes.
	require.NoError(t, l.Consume(context.Background(), rate))

	start := time.Now()
	require.NoError(t, l.Consume(context.Background(), rate/2))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestConsumeHonorsContextCancel(t *testing.T) {
	l := NewLimiter(1024)
	require.NoError(t, l.Consume(context.Background(), 1024))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Consume(ctx, 1<<20)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
