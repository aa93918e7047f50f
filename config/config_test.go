package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Pipeline.FrameSkip)
	assert.Equal(t, 0.6, cfg.Pipeline.Tolerance)
	assert.Equal(t, 100, cfg.Pipeline.HistorySize)
	assert.Equal(t, 30, cfg.Pipeline.CropMargin)
	assert.Equal(t, 75, cfg.Pipeline.JPEGQuality)
	assert.Equal(t, 30*time.Second, cfg.Stream.StartTimeout)
	assert.Equal(t, time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, int64(1024), cfg.Stream.MinArtifactSize)
	assert.Equal(t, "streamlink", cfg.Stream.Binary)
	assert.Equal(t, "insightface", cfg.Detector.Provider)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
pipeline:
  frame_skip: 20
  output_dir: ` + filepath.Join(dir, "faces") + `
stream:
  output_file: ` + filepath.Join(dir, "stream", "live.ts") + `
  start_timeout: 45s
db:
  file: ` + filepath.Join(dir, "db", "facestream.db") + `
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("FACESTREAM_PIPELINE_TOLERANCE", "0.8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Pipeline.FrameSkip)
	assert.Equal(t, 0.8, cfg.Pipeline.Tolerance)
	assert.Equal(t, 45*time.Second, cfg.Stream.StartTimeout)
	assert.DirExists(t, filepath.Join(dir, "faces"))
	assert.DirExists(t, filepath.Join(dir, "stream"))
	assert.DirExists(t, filepath.Join(dir, "db"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	var base Config
	require.NoError(t, v.Unmarshal(&base))

	cfg := base
	cfg.Pipeline.Tolerance = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Pipeline.FrameSkip = 0
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Pipeline.JPEGQuality = 0
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Storage.Enabled = true
	assert.Error(t, cfg.Validate())
}
