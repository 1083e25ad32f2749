package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexDigest(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	spec, err := Parse(digest)
	require.NoError(t, err)
	assert.Equal(t, digest, spec.String())
}

func TestParseChecksumFile(t *testing.T) {
	sum := sha256.Sum256([]byte("payload"))
	digest := hex.EncodeToString(sum[:])

	path := filepath.Join(t.TempDir(), "file.sha256")
	require.NoError(t, os.WriteFile(path, []byte(digest+"  file.bin\n"), 0o644))

	spec, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, digest, spec.String())
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", "   "},
		{"missing file", filepath.Join(os.TempDir(), "definitely-not-here.sha256")},
		{"wrong length hex", "abcd"},
		{"non-hex 64 chars treated as path", strings.Repeat("zz", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	payload := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	sum := sha256.Sum256(payload)
	spec, err := Parse(hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.NoError(t, spec.Verify(path))

	wrong, err := Parse(strings.Repeat("00", 32))
	require.NoError(t, err)
	err = wrong.Verify(path)
	assert.ErrorIs(t, err, ErrMismatch)
}
