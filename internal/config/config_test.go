package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceengine/internal/native"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, float32(0.8), cfg.MinSimilarity)
	assert.Equal(t, 3, cfg.CapacityFor(native.ModeImage))
	assert.Equal(t, 5, cfg.Engine.MaxDetectFaceNum)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faceengine.yaml")
	data := `
app_id: app
min_similarity: 0.6
engine:
  max_single_type_engine_count: 4
  capacity:
    video: 1
backend:
  kind: dlib
  model_dir: /models
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "app", cfg.AppID)
	assert.Equal(t, float32(0.6), cfg.MinSimilarity)
	assert.Equal(t, 4, cfg.CapacityFor(native.ModeImage))
	assert.Equal(t, 1, cfg.CapacityFor(native.ModeVideo))
	// Untouched fields keep their defaults.
	assert.Equal(t, 32, cfg.Engine.ImageScale)
	assert.Equal(t, "dlib", cfg.Backend.Kind)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"similarity above one", func(c *Config) { c.MinSimilarity = 1.5 }},
		{"too many faces", func(c *Config) { c.Engine.MaxDetectFaceNum = 51 }},
		{"zero engines", func(c *Config) { c.Engine.MaxSingleTypeEngineCount = 0 }},
		{"zero mode capacity", func(c *Config) { c.Engine.Capacity = map[string]int{"image": 0} }},
		{"unknown mode", func(c *Config) { c.Engine.Capacity = map[string]int{"thermal": 2} }},
		{"scale out of range", func(c *Config) { c.Engine.VideoScale = 64 }},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "cuda" }},
		{"worker without command", func(c *Config) { c.Backend.Command = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
