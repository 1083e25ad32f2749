package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeAgainst(t *testing.T, srv *httptest.Server) (Metadata, error) {
	t.Helper()
	opts := testOptions(t, t.TempDir(), srv.URL+"/file.bin")
	m := NewManager(opts, testLogger(t))
	return m.probeMetadata(context.Background())
}

func TestProbeHeadWithLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Content-Disposition", `attachment; filename="data.bin"`)
	}))
	t.Cleanup(srv.Close)

	meta, err := probeAgainst(t, srv)
	require.NoError(t, err)
	assert.True(t, meta.HasLength)
	assert.Equal(t, uint64(4096), meta.Length)
	assert.True(t, meta.SupportsRanges)
	assert.Equal(t, "data.bin", meta.Filename)
}

func TestProbeFallsBackToRangeProbeOn405(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		require.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/777")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	t.Cleanup(srv.Close)

	meta, err := probeAgainst(t, srv)
	require.NoError(t, err)
	assert.True(t, meta.SupportsRanges)
	assert.True(t, meta.HasLength)
	assert.Equal(t, uint64(777), meta.Length)
}

func TestProbeRangeProbeWithoutContentRangeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Range support advertised but no length given.
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}
		// 206 without Content-Range is a metadata failure for the mirror.
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	t.Cleanup(srv.Close)

	_, err := probeAgainst(t, srv)
	require.Error(t, err)
}

func TestProbeAllMirrorsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := probeAgainst(t, srv)
	assert.ErrorContains(t, err, "failed to retrieve metadata")
}

func TestProbeRangeProbeReturns200(t *testing.T) {
	payload := []byte("entire file ignoring ranges")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	meta, err := probeAgainst(t, srv)
	require.NoError(t, err)
	assert.False(t, meta.SupportsRanges)
	assert.True(t, meta.HasLength)
	assert.Equal(t, uint64(len(payload)), meta.Length)
}

func TestParseContentRange(t *testing.T) {
	total, ok := parseContentRange("bytes 0-0/12345")
	assert.True(t, ok)
	assert.Equal(t, uint64(12345), total)

	_, ok = parseContentRange("bytes 0-0")
	assert.False(t, ok)
	_, ok = parseContentRange("bytes 0-0/*")
	assert.False(t, ok)
	_, ok = parseContentRange("")
	assert.False(t, ok)
}

func TestFilenameFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="quoted name.iso"`)
	assert.Equal(t, "quoted name.iso", filenameFromHeader(h))

	h.Set("Content-Disposition", "inline; filename=plain.bin")
	assert.Equal(t, "plain.bin", filenameFromHeader(h))

	h.Set("Content-Disposition", "attachment")
	assert.Empty(t, filenameFromHeader(h))

	h.Del("Content-Disposition")
	assert.Empty(t, filenameFromHeader(h))
}
