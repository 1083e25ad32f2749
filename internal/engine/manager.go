package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"kdl/internal/bandwidth"
	"kdl/internal/config"
	"kdl/internal/fsutil"
	"kdl/internal/logger"
	"kdl/internal/mirror"
	"kdl/internal/partmap"
	"kdl/internal/progress"
	"kdl/internal/scheduler"
)

// ErrOutputExists is returned when the destination file is already present
// and --resume was not requested.
var ErrOutputExists = errors.New("output file already exists; use --resume to continue")

// Manager orchestrates one end-to-end download: probe, preallocate, part
// map, workers, finalize, verify.
type Manager struct {
	cfg     *config.Options
	log     *logger.Logger
	client  *http.Client
	mirrors *mirror.Pool
	limiter *bandwidth.Limiter
	counter atomic.Uint64
}

func NewManager(cfg *config.Options, log *logger.Logger) *Manager {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.MaxParallelism(),
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		mirrors: mirror.NewPool(cfg.URLs),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout, // zero means no per-request timeout
		},
	}
	if cfg.BandwidthLimit > 0 {
		m.limiter = bandwidth.NewLimiter(cfg.BandwidthLimit)
	}
	return m
}

// BytesTransferred reports the shared progress counter, including bytes
// already present when a download was resumed.
func (m *Manager) BytesTransferred() uint64 {
	return m.counter.Load()
}

// Run executes the download and, when configured, the checksum
// verification of the finished file.
func (m *Manager) Run(ctx context.Context) error {
	meta, err := m.probeMetadata(ctx)
	if err != nil {
		return err
	}

	// A server-suggested filename wins when the output name was inferred
	// rather than given explicitly.
	if meta.Filename != "" && m.cfg.NameInferred {
		name := filepath.Base(meta.Filename)
		if name != "" && name != "." && name != string(os.PathSeparator) {
			m.cfg.OutputPath = filepath.Join(filepath.Dir(m.cfg.OutputPath), name)
			m.cfg.PartMapPath = fsutil.PartMapPath(m.cfg.OutputPath)
		}
	}

	if _, err := os.Stat(m.cfg.OutputPath); err == nil && !m.cfg.Resume {
		return fmt.Errorf("%w: %s", ErrOutputExists, m.cfg.OutputPath)
	}
	if err := fsutil.EnsureParentDir(m.cfg.OutputPath); err != nil {
		return err
	}

	if meta.SupportsRanges && meta.HasLength {
		err = m.downloadSegmented(ctx, meta)
	} else {
		m.log.Warn("server does not support ranged requests; falling back to a single connection")
		err = m.downloadStreaming(ctx, meta)
	}
	if err != nil {
		return err
	}

	if m.cfg.Checksum != nil {
		m.log.Info("verifying SHA-256 checksum (%s)", m.cfg.Checksum)
		if err := m.cfg.Checksum.Verify(m.cfg.OutputPath); err != nil {
			return err
		}
	}
	return nil
}

// computeChunkSize derives the nominal segment size from the requested
// initial segment count, floored at the minimum chunk and capped at the
// file size.
func computeChunkSize(total uint64, initialSegments int) uint64 {
	if total == 0 {
		return partmap.MinChunkSize
	}
	segments := uint64(initialSegments)
	if segments < 1 {
		segments = 1
	}
	chunk := (total + segments - 1) / segments
	if chunk < partmap.MinChunkSize {
		chunk = partmap.MinChunkSize
	}
	if chunk > total {
		chunk = total
	}
	return chunk
}

func (m *Manager) downloadSegmented(ctx context.Context, meta Metadata) error {
	total := meta.Length
	chunkSize := computeChunkSize(total, m.cfg.Segments)

	file, err := prepareOutputFile(m.cfg.OutputPath, total, m.cfg.Resume)
	if err != nil {
		return err
	}
	defer file.Close()

	parts, err := partmap.LoadOrCreate(m.cfg.PartMapPath, total, chunkSize)
	if err != nil {
		return err
	}

	segments := parts.Segments()
	var resumed uint64
	for _, seg := range segments {
		done := seg.Downloaded
		if limit := seg.Len(); done > limit {
			done = limit
		}
		resumed += done
	}

	m.counter.Store(resumed)

	var pending []scheduler.Task
	if total > 0 {
		for _, seg := range segments {
			if seg.Remaining() > 0 {
				pending = append(pending, scheduler.Task{
					ID:         seg.ID,
					Start:      seg.Start,
					End:        seg.End,
					Downloaded: seg.Downloaded,
				})
			}
		}
	}

	if len(pending) == 0 {
		m.log.Info("all segments already downloaded; finalizing")
		if err := file.Sync(); err != nil {
			parts.Close()
			return fmt.Errorf("fsync %s: %w", m.cfg.OutputPath, err)
		}
		return parts.Finalize()
	}

	if resumed > 0 {
		m.log.Info("resuming: %s of %s already present",
			humanize.IBytes(resumed), humanize.IBytes(total))
	}

	maxParallelism := m.cfg.MaxParallelism()
	initialParallelism := m.cfg.Segments
	if initialParallelism > maxParallelism {
		initialParallelism = maxParallelism
	}
	sched := scheduler.New(pending, initialParallelism, maxParallelism)

	reporter := progress.NewReporter(m.progressMode(), m.cfg.TransferID, total, true, &m.counter, sched)
	reporter.Start()

	worker := &segmentWorker{
		client:   m.client,
		mirrors:  m.mirrors,
		file:     file,
		parts:    parts,
		limiter:  m.limiter,
		progress: &m.counter,
		log:      m.log,
	}

	err = m.runWorkers(ctx, sched, worker)
	if err != nil {
		// The part map stays on disk so a later --resume can pick up
		// where this run stopped.
		parts.Close()
		reporter.Finish(err)
		return err
	}

	if err := file.Sync(); err != nil {
		parts.Close()
		reporter.Finish(err)
		return fmt.Errorf("fsync %s: %w", m.cfg.OutputPath, err)
	}
	if err := parts.Finalize(); err != nil {
		reporter.Finish(err)
		return err
	}
	reporter.Finish(nil)
	return nil
}

// runWorkers drives the scheduler: admit segments while slots are free,
// feed completions back, stop admitting on the first worker error and
// drain everything still in flight before returning.
func (m *Manager) runWorkers(ctx context.Context, sched *scheduler.Scheduler, worker *segmentWorker) error {
	g, gctx := errgroup.WithContext(ctx)
	completions := make(chan scheduler.Stats, m.cfg.MaxParallelism())
	outstanding := 0

drain:
	for sched.HasRemaining() {
		for {
			task, ok := sched.NextSegment()
			if !ok {
				break
			}
			outstanding++
			g.Go(func() error {
				stats, err := worker.run(gctx, task)
				if err != nil {
					return fmt.Errorf("segment %d: %w", task.ID, err)
				}
				completions <- stats
				return nil
			})
		}

		if outstanding == 0 {
			break
		}

		select {
		case stats := <-completions:
			outstanding--
			sched.OnSegmentComplete(stats)
			m.log.Debug("segment %d completed: %s in %s",
				stats.ID, humanize.IBytes(stats.Bytes), stats.Duration.Truncate(time.Millisecond))
		case <-gctx.Done():
			break drain
		}
	}

	return g.Wait()
}

func (m *Manager) progressMode() progress.Mode {
	switch {
	case m.cfg.JSON:
		return progress.ModeJSON
	case m.cfg.Quiet:
		return progress.ModeQuiet
	default:
		return progress.ModeText
	}
}
