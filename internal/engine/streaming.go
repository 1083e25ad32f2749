package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"kdl/internal/progress"
)

// downloadStreaming is the single-connection path for servers without
// range support. No part map is maintained; a stale one is removed so a
// later segmented run cannot resume against mismatched contents.
func (m *Manager) downloadStreaming(ctx context.Context, meta Metadata) error {
	if err := os.Remove(m.cfg.PartMapPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale part map %s: %w", m.cfg.PartMapPath, err)
	}

	file, err := os.OpenFile(m.cfg.OutputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.cfg.OutputPath, err)
	}
	defer file.Close()

	var startOffset uint64
	canResume := m.cfg.Resume && meta.SupportsRanges
	if canResume {
		if info, err := file.Stat(); err == nil {
			startOffset = uint64(info.Size())
		}
		if startOffset > 0 {
			m.log.Info("resuming from byte %d", startOffset)
		}
	} else {
		if m.cfg.Resume {
			m.log.Warn("server does not allow resume; restarting download")
		}
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("truncate %s: %w", m.cfg.OutputPath, err)
		}
	}

	if _, err := file.Seek(int64(startOffset), io.SeekStart); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.mirrors.Primary().String(), nil)
	if err != nil {
		return err
	}
	if canResume && startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download failed with status %s", resp.Status)
	}

	m.counter.Store(startOffset)
	reporter := progress.NewReporter(m.progressMode(), m.cfg.TransferID, meta.Length, meta.HasLength, &m.counter, nil)
	reporter.Start()

	buf := make([]byte, 128<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if m.limiter != nil {
				if err := m.limiter.Consume(ctx, n); err != nil {
					reporter.Finish(err)
					return err
				}
			}
			if _, werr := file.Write(buf[:n]); werr != nil {
				reporter.Finish(werr)
				return fmt.Errorf("write %s: %w", m.cfg.OutputPath, werr)
			}
			m.counter.Add(uint64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			reporter.Finish(rerr)
			return fmt.Errorf("read body: %w", rerr)
		}
	}

	if err := file.Sync(); err != nil {
		reporter.Finish(err)
		return fmt.Errorf("fsync %s: %w", m.cfg.OutputPath, err)
	}
	reporter.Finish(nil)
	return nil
}
