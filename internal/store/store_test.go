package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Transfer{
		ID:        ksuid.New().String(),
		URL:       "https://example.com/a.iso",
		Output:    "/tmp/a.iso",
		Size:      1 << 20,
		StartedAt: time.Now().Add(-time.Minute),
	}
	second := &Transfer{
		ID:        ksuid.New().String(),
		URL:       "https://example.com/b.iso",
		Output:    "/tmp/b.iso",
		Size:      2 << 20,
		StartedAt: time.Now(),
	}

	require.NoError(t, s.RecordStart(ctx, first))
	require.NoError(t, s.RecordStart(ctx, second))
	require.NoError(t, s.RecordFinish(ctx, first.ID, StatusCompleted, 1<<20, ""))
	require.NoError(t, s.RecordFinish(ctx, second.ID, StatusFailed, 512, "connection reset"))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Newest first.
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, StatusFailed, recent[0].Status)
	assert.Equal(t, "connection reset", recent[0].Error)
	assert.Equal(t, StatusCompleted, recent[1].Status)
	assert.Equal(t, uint64(1<<20), recent[1].Bytes)
	assert.False(t, recent[1].FinishedAt.IsZero())
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordStart(ctx, &Transfer{
			ID:        ksuid.New().String(),
			URL:       "https://example.com/f",
			Output:    "/tmp/f",
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}
