package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefault(t *testing.T) {
	t.Parallel()

	cfg, err := LoadDefault()
	require.NoError(t, err)

	assert.InDelta(t, 4.0, cfg.Detector.EntropyThreshold, 1e-9)
	assert.Equal(t, 20, cfg.Detector.MinTokenLength)
	assert.Equal(t, 10000, cfg.Detector.MaxLineLength)
	assert.InDelta(t, 0.25, cfg.Detector.FixturePathPenalty, 1e-9)
	assert.Equal(t, int64(1<<20), cfg.Scanning.MaxFileSizeBytes)
}
