// Package config provides the configuration schema, loader, decoder registry
// and file watcher for the VoiceSafe service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicesafe/pkg/audio"
	"github.com/MrWong99/voicesafe/pkg/features"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// Obtain one with [Load], [LoadFromReader] or [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Decoders  []DecoderEntry  `yaml:"decoders"`
	Features  FeaturesConfig  `yaml:"features"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network, admission and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// MaxUploadBytes caps the request body. Larger uploads get 413.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// MaxConcurrent bounds the number of analyses running at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// QueueTimeout is how long a request waits for an analysis slot before
	// it is refused with 503.
	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// AnalysisTimeout is the per-request pipeline deadline.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustProxy keys rate limiting on the first X-Forwarded-For address
	// instead of the socket peer.
	TrustProxy bool `yaml:"trust_proxy"`
}

// TLSConfig holds PEM certificate and key paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig controls normalisation of decoded audio.
type AudioConfig struct {
	// SampleRate is the canonical analysis rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// MaxDuration truncates longer recordings, keeping the first part.
	MaxDuration time.Duration `yaml:"max_duration"`

	// MinDuration is the analysis floor; shorter content is zero-padded
	// and flagged low-confidence.
	MinDuration time.Duration `yaml:"min_duration"`

	// TempDir is where subprocess decoders stage uploads. Empty means
	// [os.TempDir].
	TempDir string `yaml:"temp_dir"`
}

// NormalizeOptions returns the normaliser settings for a.
func (a AudioConfig) NormalizeOptions() audio.NormalizeOptions {
	opts := audio.DefaultNormalizeOptions()
	opts.SampleRate = a.SampleRate
	opts.MaxDuration = a.MaxDuration
	opts.MinDuration = a.MinDuration
	return opts
}

// DecoderEntry configures one decoder backend. Entries are tried in the
// order they appear. Name selects the factory registered in the [Registry].
type DecoderEntry struct {
	Name string `yaml:"name"`

	// Path is the executable for subprocess backends (ffmpeg). Empty means
	// the backend's default, looked up on PATH.
	Path string `yaml:"path"`

	// Breaker tunes the circuit breaker of subprocess backends.
	Breaker *BreakerConfig `yaml:"breaker"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig mirrors the circuit breaker knobs.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// FeaturesConfig overrides feature extraction parameters. Zero values keep
// the defaults from [features.DefaultParams].
type FeaturesConfig struct {
	SilenceThreshold float64 `yaml:"silence_threshold"`
	YINThreshold     float64 `yaml:"yin_threshold"`
	PitchMin         float64 `yaml:"pitch_min"`
	PitchMax         float64 `yaml:"pitch_max"`
	HighBandCutoff   float64 `yaml:"high_band_cutoff"`
}

// ScoringConfig locates the scoring weights.
type ScoringConfig struct {
	// WeightsFile is a YAML weight set, relative to the config file. Empty
	// means the built-in defaults.
	WeightsFile string `yaml:"weights_file"`

	// Weights is resolved from WeightsFile during loading.
	Weights scoring.Weights `yaml:"-"`
}

// RateLimitConfig configures the per-client fixed-window limiter.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`

	// RedisURL selects the shared store (redis://host:port/db). Empty uses
	// the in-process limiter only.
	RedisURL string `yaml:"redis_url"`

	// KeyPrefix namespaces the Redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root spans sampled.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8000"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = 25 << 20
	}
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = 4
	}
	if s.QueueTimeout == 0 {
		s.QueueTimeout = 5 * time.Second
	}
	if s.AnalysisTimeout == 0 {
		s.AnalysisTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 15 * time.Second
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = audio.DefaultSampleRate
	}
	if a.MaxDuration == 0 {
		a.MaxDuration = audio.DefaultMaxDuration
	}
	if a.MinDuration == 0 {
		a.MinDuration = audio.DefaultMinDuration
	}

	if len(cfg.Decoders) == 0 {
		for _, name := range DefaultDecoderOrder {
			cfg.Decoders = append(cfg.Decoders, DecoderEntry{Name: name})
		}
	}

	r := &cfg.RateLimit
	if r.Window == 0 {
		r.Window = 60 * time.Second
	}
	if r.MaxRequests == 0 {
		r.MaxRequests = 30
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = "voicesafe:rl:"
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "voicesafe"
	}
	if cfg.Scoring.WeightsFile == "" {
		cfg.Scoring.Weights = scoring.DefaultWeights()
	}
}

// FeatureParams returns the extraction parameters for cfg: the defaults at
// the configured sample rate and minimum duration, with overrides applied.
func (cfg *Config) FeatureParams() features.Params {
	p := features.DefaultParams()
	p.SampleRate = cfg.Audio.SampleRate
	p.MinDuration = cfg.Audio.MinDuration
	frame := int(int64(p.FrameLength) * int64(p.SampleRate) / int64(time.Second))
	for p.FFTSize < frame {
		p.FFTSize *= 2
	}

	f := cfg.Features
	if f.SilenceThreshold != 0 {
		p.SilenceThreshold = f.SilenceThreshold
	}
	if f.YINThreshold != 0 {
		p.YINThreshold = f.YINThreshold
	}
	if f.PitchMin != 0 {
		p.PitchMin = f.PitchMin
	}
	if f.PitchMax != 0 {
		p.PitchMax = f.PitchMax
	}
	if f.HighBandCutoff != 0 {
		p.HighBandCutoff = f.HighBandCutoff
	}
	return p
}
