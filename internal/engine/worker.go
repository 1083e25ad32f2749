package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"kdl/internal/bandwidth"
	"kdl/internal/logger"
	"kdl/internal/mirror"
	"kdl/internal/partmap"
	"kdl/internal/scheduler"
)

const (
	maxRetries      = 5
	writeBufferSize = 512 << 10 // per-worker buffer before a positional write
	readChunkSize   = 32 << 10
)

// retryBaseDelay is doubled per failed attempt, capped at 8x, so attempt k
// waits 2, 4, 8, 16 seconds. Shrunk by tests.
var retryBaseDelay = 2 * time.Second

// segmentWorker executes one admitted segment from start to terminal
// state. The destination file is shared by reference and written only at
// the offsets the received bytes belong to, so no file locking is needed.
// A ranged answer stays inside the worker's own segment; a 2xx answer to a
// request at position 0 carries the whole file and is written from offset
// 0 to its end, past the segment's own range.
type segmentWorker struct {
	client   *http.Client
	mirrors  *mirror.Pool
	file     *os.File
	parts    *partmap.Handle
	limiter  *bandwidth.Limiter // nil when unlimited
	progress *atomic.Uint64
	log      *logger.Logger
}

// run downloads the segment, retrying transient failures with exponential
// backoff. Each attempt resumes from the part map's current progress, so
// bytes banked by a failed attempt are never fetched twice.
func (w *segmentWorker) run(ctx context.Context, task scheduler.Task) (scheduler.Stats, error) {
	seg, ok := w.parts.Segment(task.ID)
	if !ok {
		return scheduler.Stats{}, fmt.Errorf("segment %d missing in part map", task.ID)
	}
	if seg.Remaining() == 0 {
		return scheduler.Stats{ID: task.ID}, nil
	}

	var stats scheduler.Stats
	err := retry.Do(
		func() error {
			bytes, duration, err := w.attempt(ctx, task.ID)
			if err != nil {
				return err
			}
			stats = scheduler.Stats{ID: task.ID, Bytes: bytes, Duration: duration}
			return nil
		},
		retry.Attempts(maxRetries),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(8*retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			w.log.Warn("segment %d failed on attempt %d: %v; retrying", task.ID, n+1, err)
		}),
	)
	if err != nil {
		return scheduler.Stats{}, err
	}
	return stats, nil
}

// attempt performs one ranged request for whatever the segment still
// needs. Network and body errors are retriable; positional-write and
// part-map errors indicate a broken local invariant and are not.
func (w *segmentWorker) attempt(ctx context.Context, id int) (uint64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, retry.Unrecoverable(err)
	}

	// Re-read progress inside the attempt, not from the scheduler task:
	// a previous attempt may already have banked partial bytes.
	seg, ok := w.parts.Segment(id)
	if !ok {
		return 0, 0, retry.Unrecoverable(fmt.Errorf("segment %d missing in part map", id))
	}
	if seg.Remaining() == 0 {
		return 0, 0, nil
	}

	position := seg.Start + seg.Downloaded
	started := time.Now()

	u := w.mirrors.Next()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, 0, retry.Unrecoverable(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", position, seg.End))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	// 206 is the expected answer. Some servers ignore Range for
	// whole-file requests but still deliver correct bytes from zero.
	ok206 := resp.StatusCode == http.StatusPartialContent
	okFull := position == 0 && resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok206 && !okFull {
		return 0, 0, fmt.Errorf("unexpected status %s for segment %d from %s", resp.Status, id, u.Host)
	}

	downloaded := seg.Downloaded
	bufferPos := position
	var transferred uint64
	writeBuf := make([]byte, 0, writeBufferSize)
	readBuf := make([]byte, readChunkSize)

	flush := func() error {
		if len(writeBuf) == 0 {
			return nil
		}
		if _, err := w.file.WriteAt(writeBuf, int64(bufferPos)); err != nil {
			return retry.Unrecoverable(fmt.Errorf("write at offset %d: %w", bufferPos, err))
		}
		bufferPos += uint64(len(writeBuf))
		writeBuf = writeBuf[:0]
		return nil
	}

	// bank flushes buffered bytes and records progress so the next
	// attempt resumes past everything already on disk.
	bank := func() error {
		if err := flush(); err != nil {
			return err
		}
		if err := w.parts.RecordProgress(id, downloaded); err != nil {
			return retry.Unrecoverable(err)
		}
		return nil
	}

	for {
		n, rerr := resp.Body.Read(readBuf)
		if n > 0 {
			if w.limiter != nil {
				if lerr := w.limiter.Consume(ctx, n); lerr != nil {
					_ = bank()
					return transferred, time.Since(started), lerr
				}
			}
			writeBuf = append(writeBuf, readBuf[:n]...)
			if len(writeBuf) >= writeBufferSize {
				if ferr := flush(); ferr != nil {
					return transferred, time.Since(started), ferr
				}
			}
			downloaded += uint64(n)
			transferred += uint64(n)
			w.progress.Add(uint64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if berr := bank(); berr != nil {
				return transferred, time.Since(started), berr
			}
			return transferred, time.Since(started), fmt.Errorf("read body: %w", rerr)
		}
	}

	if err := bank(); err != nil {
		return transferred, time.Since(started), err
	}
	return transferred, time.Since(started), nil
}
