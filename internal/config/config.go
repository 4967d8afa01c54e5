package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v2"

	"github.com/andresmejia3/faceengine/internal/native"
)

// Config is the complete faceengine configuration.
type Config struct {
	AppID   string  `yaml:"app_id"`
	SDKKeys SDKKeys `yaml:"sdk_keys"`

	// MinSimilarity is the default search threshold; a hit must score strictly above it.
	MinSimilarity float32 `yaml:"min_similarity"`

	Engine   EngineConfig  `yaml:"engine"`
	Backend  BackendConfig `yaml:"backend"`
	Database string        `yaml:"database_url"`
	HTTP     HTTPConfig    `yaml:"http"`
	Log      LogConfig     `yaml:"log"`
}

// SDKKeys holds one activation key per supported platform.
type SDKKeys struct {
	Winx86  string `yaml:"win_x86"`
	Winx64  string `yaml:"win_x64"`
	Linux64 string `yaml:"linux_x64"`
}

// EngineConfig contains the per-mode engine pool settings.
type EngineConfig struct {
	MaxDetectFaceNum int `yaml:"max_detect_face_num"` // [1,50]
	// MaxSingleTypeEngineCount caps live engines per mode unless Capacity overrides it.
	MaxSingleTypeEngineCount int            `yaml:"max_single_type_engine_count"`
	Capacity                 map[string]int `yaml:"capacity"` // keyed by mode name, e.g. "video"

	ImageOrientPriority int `yaml:"image_orient_priority"`
	VideoOrientPriority int `yaml:"video_orient_priority"`
	ImageScale          int `yaml:"image_scale"` // [2,32]
	VideoScale          int `yaml:"video_scale"` // [2,32]
}

// BackendConfig selects and configures the native engine implementation.
type BackendConfig struct {
	Kind     string   `yaml:"kind"` // "worker" or "dlib"
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	ModelDir string   `yaml:"model_dir"`
}

// HTTPConfig configures the serve command.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MinSimilarity: 0.8,
		Engine: EngineConfig{
			MaxDetectFaceNum:         5,
			MaxSingleTypeEngineCount: 3,
			ImageOrientPriority:      int(native.Orient0HigherExt),
			VideoOrientPriority:      int(native.Orient0HigherExt),
			ImageScale:               32,
			VideoScale:               16,
		},
		Backend: BackendConfig{
			Kind:    "worker",
			Command: "python3",
			Args:    []string{"-u", "python/engine.py"},
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// CapacityFor returns the pool capacity configured for mode.
func (c *Config) CapacityFor(mode native.Mode) int {
	if n, ok := c.Engine.Capacity[mode.String()]; ok {
		return n
	}
	return c.Engine.MaxSingleTypeEngineCount
}

// SDKKey picks the activation key for the running platform.
func (c *Config) SDKKey() (string, error) {
	switch {
	case runtime.GOOS == "windows" && runtime.GOARCH == "amd64":
		return c.SDKKeys.Winx64, nil
	case runtime.GOOS == "windows" && runtime.GOARCH == "386":
		return c.SDKKeys.Winx86, nil
	case runtime.GOOS == "linux" && runtime.GOARCH == "amd64":
		return c.SDKKeys.Linux64, nil
	default:
		return "", fmt.Errorf("unsupported platform %s/%s: only windows (x86/x64) and linux (x64) are supported", runtime.GOOS, runtime.GOARCH)
	}
}

// Validate checks every bound the engine and pools rely on.
func (c *Config) Validate() error {
	var errs []error

	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("min_similarity must be between 0.0 and 1.0, got %f", c.MinSimilarity))
	}
	if n := c.Engine.MaxDetectFaceNum; n < 1 || n > 50 {
		errs = append(errs, fmt.Errorf("max_detect_face_num must be in [1,50], got %d", n))
	}
	if c.Engine.MaxSingleTypeEngineCount < 1 {
		errs = append(errs, fmt.Errorf("max_single_type_engine_count must be >= 1, got %d", c.Engine.MaxSingleTypeEngineCount))
	}
	for name, n := range c.Engine.Capacity {
		if !knownMode(name) {
			errs = append(errs, fmt.Errorf("capacity: unknown mode %q", name))
			continue
		}
		// A zero capacity would block every acquire forever.
		if n < 1 {
			errs = append(errs, fmt.Errorf("capacity[%s] must be >= 1, got %d", name, n))
		}
	}
	for name, s := range map[string]int{"image_scale": c.Engine.ImageScale, "video_scale": c.Engine.VideoScale} {
		if s < 2 || s > 32 {
			errs = append(errs, fmt.Errorf("%s must be in [2,32], got %d", name, s))
		}
	}
	switch c.Backend.Kind {
	case "worker":
		if c.Backend.Command == "" {
			errs = append(errs, errors.New("backend.command is required for the worker backend"))
		}
	case "dlib":
		if c.Backend.ModelDir == "" {
			errs = append(errs, errors.New("backend.model_dir is required for the dlib backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind must be worker or dlib, got %q", c.Backend.Kind))
	}

	return errors.Join(errs...)
}

func knownMode(name string) bool {
	for _, m := range native.Modes {
		if m.String() == name {
			return true
		}
	}
	return false
}
