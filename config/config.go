// Package config - YAML configuration for the classifier CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/kuzushiji/backbone"
	"github.com/nvr-ai/kuzushiji/classifier"
	"github.com/nvr-ai/kuzushiji/images"
)

// Environment overrides.
const (
	EnvWeightsDir = "KUZUSHIJI_WEIGHTS"
	EnvModelPath  = "KUZUSHIJI_BACKBONE"
	EnvLogLevel   = "KUZUSHIJI_LOG_LEVEL"
)

// Config is the complete runtime configuration.
type Config struct {
	// Model describes the classifier.
	Model classifier.Config `json:"model" yaml:"model"`
	// Backbone configures the ONNX feature extractor.
	Backbone backbone.Config `json:"backbone" yaml:"backbone"`
	// WeightsDir holds the head parameters as .npy files.
	WeightsDir string `json:"weights_dir" yaml:"weights_dir"`
	// ClassesPath lists one class code per line; optional.
	ClassesPath string `json:"classes_path" yaml:"classes_path"`
	// Preprocess configures page preparation.
	Preprocess PreprocessConfig `json:"preprocess" yaml:"preprocess"`
	// Runtime configures inference.
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	// Logging configures the zap logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// PreprocessConfig configures page preparation.
type PreprocessConfig struct {
	// MaxSide bounds the longest page side before feature extraction. 0 disables resizing.
	MaxSide int `json:"max_side" yaml:"max_side"`
	// Normalization is applied after scaling pixels to [0, 1].
	Normalization images.Normalization `json:"normalization" yaml:"normalization"`
}

// RuntimeConfig configures inference.
type RuntimeConfig struct {
	// TopK is the number of candidates reported per region.
	TopK int `json:"top_k" yaml:"top_k"`
	// Timeout bounds a single classification run, e.g. "30s".
	Timeout string `json:"timeout" yaml:"timeout"`
	// Profile enables stage timing reports.
	Profile bool `json:"profile" yaml:"profile"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// Format is json or console.
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration for a resnet50 backbone.
func Default() *Config {
	return &Config{
		Model: classifier.Config{
			Base:     backbone.DefaultVariant,
			NClasses: 4787,
			PoolL1:   classifier.DefaultPoolSize,
			PoolL2:   classifier.DefaultPoolSize,
		},
		Backbone: backbone.Config{
			ModelPath:   "models/resnet50_layer3.onnx",
			InputName:   "input",
			OutputNames: [2]string{"layer2", "layer3"},
			Provider:    backbone.ProviderCPU,
		},
		WeightsDir: "models/head",
		Preprocess: PreprocessConfig{
			MaxSide:       2048,
			Normalization: images.ImageNet,
		},
		Runtime: RuntimeConfig{
			TopK:    1,
			Timeout: "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML configuration over the defaults.
//
// A missing file yields the defaults. Environment overrides are applied
// after parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv(EnvWeightsDir); dir != "" {
		c.WeightsDir = dir
	}
	if path := os.Getenv(EnvModelPath); path != "" {
		c.Backbone.ModelPath = path
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Model.NClasses <= 0 {
		return fmt.Errorf("model.n_classes must be positive, got %d", c.Model.NClasses)
	}
	if _, err := backbone.LookupVariant(c.Model.Base); err != nil {
		return fmt.Errorf("model.base: %w", err)
	}
	if c.Backbone.Variant != "" && c.Backbone.Variant != c.Model.Base {
		return fmt.Errorf("backbone.variant %q does not match model.base %q", c.Backbone.Variant, c.Model.Base)
	}
	if c.Model.HeadDropout < 0 || c.Model.HeadDropout >= 1 {
		return fmt.Errorf("model.head_dropout must be in [0, 1), got %v", c.Model.HeadDropout)
	}
	if c.Backbone.ModelPath == "" {
		return fmt.Errorf("backbone.model_path is required")
	}
	if c.Preprocess.MaxSide < 0 {
		return fmt.Errorf("preprocess.max_side must not be negative")
	}
	if _, err := c.RunTimeout(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// RunTimeout returns the runtime timeout. An empty value disables it.
func (c *Config) RunTimeout() (time.Duration, error) {
	if c.Runtime.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Runtime.Timeout)
	if err != nil {
		return 0, fmt.Errorf("runtime.timeout: %w", err)
	}
	return d, nil
}

// Logger builds a production zap logger for the configured level and format.
//
// Arguments:
//   - verbose: Forces debug level.
func (l LoggingConfig) Logger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc.Encoding = "console"
	}
	level := zapcore.InfoLevel
	if l.Level != "" {
		parsed, err := zapcore.ParseLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
