// Package config loads visionscan settings from defaults, an optional YAML
// file, a .env file and VISIONSCAN_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"visionscan/internal/analyzer"
	"visionscan/internal/imaging"
	"visionscan/internal/motion"
	"visionscan/internal/scan"
)

// EnvPrefix prefixes every environment variable, e.g. VISIONSCAN_SCAN_MODE.
const EnvPrefix = "VISIONSCAN"

type Config struct {
	Analyzer AnalyzerConfig `mapstructure:"analyzer" yaml:"analyzer"`
	Scan     ScanConfig     `mapstructure:"scan" yaml:"scan"`
	Source   SourceConfig   `mapstructure:"source" yaml:"source"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type AnalyzerConfig struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

type ScanConfig struct {
	Mode                string                     `mapstructure:"mode" yaml:"mode"`
	Continuous          bool                       `mapstructure:"continuous" yaml:"continuous"`
	Hint                string                     `mapstructure:"hint" yaml:"hint"`
	StabilityThreshold  int                        `mapstructure:"stability_threshold" yaml:"stability_threshold"`
	MotionThreshold     float64                    `mapstructure:"motion_threshold" yaml:"motion_threshold"`
	DuplicateThreshold  int                        `mapstructure:"duplicate_threshold" yaml:"duplicate_threshold"`
	RetryBaseDelay      time.Duration              `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration              `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	ContinuousDelay     time.Duration              `mapstructure:"continuous_delay" yaml:"continuous_delay"`
	SimilarityThreshold float64                    `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	HashGridSize        int                        `mapstructure:"hash_grid_size" yaml:"hash_grid_size"`
	PausedTickDivisor   int                        `mapstructure:"paused_tick_divisor" yaml:"paused_tick_divisor"`
	Region              imaging.Region             `mapstructure:"region" yaml:"region"`
	Profiles            map[string]imaging.Profile `mapstructure:"profiles" yaml:"profiles"`
}

type SourceConfig struct {
	// Kind is camera, dir or image.
	Kind         string        `mapstructure:"kind" yaml:"kind"`
	Device       string        `mapstructure:"device" yaml:"device"`
	FPS          int           `mapstructure:"fps" yaml:"fps"`
	Width        int           `mapstructure:"width" yaml:"width"`
	Height       int           `mapstructure:"height" yaml:"height"`
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// Hold is how many ticks each image of a frame directory is shown.
	Hold   int    `mapstructure:"hold" yaml:"hold"`
	Repeat bool   `mapstructure:"repeat" yaml:"repeat"`
	FFmpeg string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	// Listen is the WebSocket address; empty disables the server.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Source kinds accepted by SourceConfig.Kind.
const (
	SourceCamera = "camera"
	SourceDir    = "dir"
	SourceImage  = "image"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("analyzer.endpoint", "http://localhost:5000")
	v.SetDefault("analyzer.timeout", analyzer.DefaultTimeout)
	v.SetDefault("analyzer.max_retries", 2)
	v.SetDefault("analyzer.retry_interval", 500*time.Millisecond)
	v.SetDefault("analyzer.requests_per_minute", 0)

	d := scan.DefaultConfig()
	v.SetDefault("scan.mode", string(analyzer.ModeText))
	v.SetDefault("scan.continuous", true)
	v.SetDefault("scan.hint", "")
	v.SetDefault("scan.stability_threshold", d.Stability.StabilityThreshold)
	v.SetDefault("scan.motion_threshold", d.Stability.MotionThreshold)
	v.SetDefault("scan.duplicate_threshold", d.DuplicateThreshold)
	v.SetDefault("scan.retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("scan.retry_max_delay", d.RetryMaxDelay)
	v.SetDefault("scan.continuous_delay", d.ContinuousDelay)
	v.SetDefault("scan.similarity_threshold", d.SimilarityThreshold)
	v.SetDefault("scan.hash_grid_size", d.HashGridSize)
	v.SetDefault("scan.paused_tick_divisor", d.PausedTickDivisor)
	v.SetDefault("scan.region.x", d.Region.X)
	v.SetDefault("scan.region.y", d.Region.Y)
	v.SetDefault("scan.region.width", d.Region.Width)
	v.SetDefault("scan.region.height", d.Region.Height)

	profiles := make(map[string]any, len(d.Profiles))
	for mode, p := range d.Profiles {
		profiles[mode] = map[string]any{"max_width": p.MaxWidth, "quality": p.Quality}
	}
	v.SetDefault("scan.profiles", profiles)

	v.SetDefault("source.kind", SourceCamera)
	v.SetDefault("source.device", "/dev/video0")
	v.SetDefault("source.fps", 10)
	v.SetDefault("source.width", 1280)
	v.SetDefault("source.height", 720)
	v.SetDefault("source.tick_interval", 100*time.Millisecond)
	v.SetDefault("source.hold", 30)
	v.SetDefault("source.repeat", false)
	v.SetDefault("source.ffmpeg", "ffmpeg")

	v.SetDefault("database.path", "visionscan.db")
	v.SetDefault("server.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// File is an optional YAML config file.
	File string
	// EnvFiles are loaded with godotenv before reading the environment.
	// Missing files are ignored. Nil means ".env".
	EnvFiles []string
}

// Load builds a validated Config.
func Load(opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(f)
	}

	v := New()
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("analyzer.endpoint", EnvPrefix+"_ENDPOINT", EnvPrefix+"_ANALYZER_ENDPOINT")
	return v
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Analyzer.Endpoint == "" {
		add("analyzer.endpoint is required")
	}
	if c.Analyzer.Timeout <= 0 {
		add("analyzer.timeout must be positive")
	}
	if c.Analyzer.MaxRetries < 0 || c.Analyzer.MaxRetries > 10 {
		add("analyzer.max_retries must be between 0 and 10, got %d", c.Analyzer.MaxRetries)
	}
	if c.Analyzer.RequestsPerMinute < 0 {
		add("analyzer.requests_per_minute must not be negative")
	}

	s := c.Scan
	if _, err := analyzer.ParseMode(s.Mode); err != nil {
		add("scan.mode: %w", err)
	}
	if s.StabilityThreshold < 1 {
		add("scan.stability_threshold must be at least 1")
	}
	if s.MotionThreshold <= 0 || s.MotionThreshold > 765 {
		add("scan.motion_threshold must be in (0, 765]")
	}
	if s.DuplicateThreshold < 1 || s.DuplicateThreshold > 5 {
		add("scan.duplicate_threshold must be between 1 and 5, got %d", s.DuplicateThreshold)
	}
	if s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay {
		add("scan.retry_base_delay must be positive and not above scan.retry_max_delay")
	}
	if s.ContinuousDelay < 0 {
		add("scan.continuous_delay must not be negative")
	}
	if s.SimilarityThreshold <= 0 || s.SimilarityThreshold > 1 {
		add("scan.similarity_threshold must be in (0, 1]")
	}
	if s.HashGridSize < 2 || s.HashGridSize > 64 {
		add("scan.hash_grid_size must be between 2 and 64")
	}
	if s.PausedTickDivisor < 1 {
		add("scan.paused_tick_divisor must be at least 1")
	}
	if err := s.Region.Validate(); err != nil {
		add("scan.region: %w", err)
	}
	for mode, p := range s.Profiles {
		if p.MaxWidth <= 0 || p.Quality <= 0 || p.Quality > 1 {
			add("scan.profiles.%s: max_width must be positive and quality in (0, 1]", mode)
		}
	}

	switch c.Source.Kind {
	case SourceCamera, SourceDir, SourceImage:
	default:
		add("source.kind must be camera, dir or image, got %q", c.Source.Kind)
	}
	if c.Source.TickInterval <= 0 {
		add("source.tick_interval must be positive")
	}
	if c.Database.Path == "" {
		add("database.path is required")
	}

	return errors.Join(errs...)
}

// Mode returns the parsed scan mode. Call after Validate.
func (c *Config) Mode() analyzer.Mode {
	m, _ := analyzer.ParseMode(c.Scan.Mode)
	return m
}

// ScanSourceKind maps the configured source to the orchestrator's kind.
func (c *Config) ScanSourceKind() scan.SourceKind {
	if c.Source.Kind == SourceImage {
		return scan.SourceStill
	}
	return scan.SourceCamera
}

// AnalyzerClientConfig returns the analyzer client settings.
func (c *Config) AnalyzerClientConfig() analyzer.Config {
	return analyzer.Config{
		Endpoint:          c.Analyzer.Endpoint,
		Timeout:           c.Analyzer.Timeout,
		MaxRetries:        c.Analyzer.MaxRetries,
		RetryInterval:     c.Analyzer.RetryInterval,
		RequestsPerMinute: c.Analyzer.RequestsPerMinute,
	}
}

// OrchestratorConfig returns the orchestrator tuning.
func (c *Config) OrchestratorConfig() scan.Config {
	s := c.Scan
	stability := motion.DefaultConfig()
	stability.StabilityThreshold = s.StabilityThreshold
	stability.MotionThreshold = s.MotionThreshold

	profiles := imaging.DefaultProfiles()
	for mode, p := range s.Profiles {
		profiles[strings.ToLower(mode)] = p
	}

	return scan.Config{
		Stability:           stability,
		DuplicateThreshold:  s.DuplicateThreshold,
		RetryBaseDelay:      s.RetryBaseDelay,
		RetryMaxDelay:       s.RetryMaxDelay,
		ContinuousDelay:     s.ContinuousDelay,
		Profiles:            profiles,
		Region:              s.Region,
		SimilarityThreshold: s.SimilarityThreshold,
		HashGridSize:        s.HashGridSize,
		PausedTickDivisor:   s.PausedTickDivisor,
	}
}
