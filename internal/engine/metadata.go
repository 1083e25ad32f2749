package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Metadata is what a mirror reports about the remote file.
type Metadata struct {
	Length         uint64
	HasLength      bool
	SupportsRanges bool
	Filename       string
}

// probeMetadata iterates mirrors in order; the first one that answers wins.
func (m *Manager) probeMetadata(ctx context.Context) (Metadata, error) {
	for _, u := range m.mirrors.All() {
		meta, err := m.tryHead(ctx, u)
		if err != nil {
			m.log.Debug("metadata probe failed for %s: %v", u, err)
			continue
		}
		return meta, nil
	}
	return Metadata{}, fmt.Errorf("failed to retrieve metadata from all mirrors")
}

func (m *Manager) tryHead(ctx context.Context, u *url.URL) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		meta := Metadata{
			SupportsRanges: acceptsRanges(resp.Header),
			Filename:       filenameFromHeader(resp.Header),
		}
		if resp.ContentLength >= 0 {
			meta.Length = uint64(resp.ContentLength)
			meta.HasLength = true
			return meta, nil
		}
		if meta.SupportsRanges {
			// HEAD gave no length; a one-byte ranged GET recovers the
			// total from Content-Range.
			probed, err := m.tryRangeProbe(ctx, u)
			if err != nil {
				return Metadata{}, err
			}
			if probed.Filename == "" {
				probed.Filename = meta.Filename
			}
			return probed, nil
		}
		return meta, nil

	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return m.tryRangeProbe(ctx, u)

	default:
		return Metadata{}, fmt.Errorf("%s returned status %s", u, resp.Status)
	}
}

// tryRangeProbe issues a GET for bytes=0-0. Servers with range support
// answer 206 with a Content-Range carrying the total size; servers without
// it answer 200 for the whole file.
func (m *Manager) tryRangeProbe(ctx context.Context, u *url.URL) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := m.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			return Metadata{}, fmt.Errorf("range probe for %s: missing Content-Range header", u)
		}
		io.Copy(io.Discard, resp.Body)
		return Metadata{
			Length:         total,
			HasLength:      true,
			SupportsRanges: true,
			Filename:       filenameFromHeader(resp.Header),
		}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		meta := Metadata{Filename: filenameFromHeader(resp.Header)}
		if resp.ContentLength >= 0 {
			meta.Length = uint64(resp.ContentLength)
			meta.HasLength = true
		}
		return meta, nil

	default:
		return Metadata{}, fmt.Errorf("range probe for %s returned status %s", u, resp.Status)
	}
}

func acceptsRanges(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Accept-Ranges")), "bytes")
}

// parseContentRange extracts the total size from a header shaped like
// "bytes 0-0/12345".
func parseContentRange(value string) (uint64, bool) {
	_, totalPart, found := strings.Cut(value, "/")
	if !found {
		return 0, false
	}
	total, err := strconv.ParseUint(strings.TrimSpace(totalPart), 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// filenameFromHeader extracts a suggested name from Content-Disposition,
// stripping ASCII double quotes.
func filenameFromHeader(h http.Header) string {
	value := h.Get("Content-Disposition")
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "filename="); ok {
			if name := strings.Trim(rest, `"`); name != "" {
				return name
			}
		}
	}
	return ""
}
