package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leakwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detector:
  entropy_threshold: 4.5
  min_token_length: 24
scanning:
  max_file_size_bytes: 524288
`), 0o600))

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 4.5, cfg.Detector.EntropyThreshold, 1e-9)
	assert.Equal(t, 24, cfg.Detector.MinTokenLength)
	assert.Equal(t, int64(524288), cfg.Scanning.MaxFileSizeBytes)
	assert.Zero(t, cfg.Detector.MaxLineLength, "unset fields stay zero for downstream defaulting")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector: [not a mapping"), 0o600))

	_, err := NewFileLoader(path).Load(context.Background())
	assert.Error(t, err)
}
