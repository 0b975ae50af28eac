package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicesafe/pkg/scoring"
)

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, resolves the scoring weights relative to the file
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, filepath.Dir(path), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is [Load] for an already open document. Relative paths
// resolve against the working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, ".", os.LookupEnv)
}

// FromEnv builds a configuration from defaults and environment overrides
// only. It is used when no config file exists.
func FromEnv() (*Config, error) {
	return load(strings.NewReader(""), ".", os.LookupEnv)
}

// LoadOrEnv loads the config file at path, or falls back to [FromEnv] when
// path itself does not exist. fromFile reports which happened. Every other
// failure is returned, including files the config references that are
// missing.
func LoadOrEnv(path string) (cfg *Config, fromFile bool, err error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg, err := FromEnv()
		return cfg, false, err
	}
	cfg, err = Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// LoadDotEnv loads each existing file into the process environment.
// Missing files are skipped and variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

func load(r io.Reader, baseDir string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Scoring.WeightsFile != "" {
		w, err := scoring.LoadWeights(resolvePath(baseDir, cfg.Scoring.WeightsFile))
		if err != nil {
			return nil, fmt.Errorf("config: scoring.weights_file: %w", err)
		}
		cfg.Scoring.Weights = w
	}
	return cfg, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// ApplyEnv overrides cfg from the environment:
//
//	PORT                   listen on ":<PORT>"
//	VOICESAFE_LISTEN_ADDR  server.listen_addr (wins over PORT)
//	VOICESAFE_LOG_LEVEL    server.log_level
//	TARGET_SR              audio.sample_rate
//	MAX_DURATION_S         audio.max_duration in seconds
//	MIN_DURATION_S         audio.min_duration in seconds
//	FFMPEG_PATH            path of every ffmpeg decoder entry
//	REDIS_URL              rate_limit.redis_url
//	RL_WINDOW_S            rate_limit.window in seconds
//	RL_MAX_REQ             rate_limit.max_requests
//
// Any of the rate limit variables also enables rate limiting.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) bool {
		v, ok := lookup(key)
		if ok && v != "" {
			*dst = v
			return true
		}
		return false
	}
	num := func(key string, dst *int) bool {
		v, ok := lookup(key)
		if !ok || v == "" {
			return false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: not an integer", key, v))
			return false
		}
		*dst = n
		return true
	}
	secs := func(key string, dst *time.Duration) bool {
		v, ok := lookup(key)
		if !ok || v == "" {
			return false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			errs = append(errs, fmt.Errorf("%s=%q: not a number of seconds", key, v))
			return false
		}
		*dst = time.Duration(f * float64(time.Second))
		return true
	}

	var port string
	if str("PORT", &port) {
		cfg.Server.ListenAddr = ":" + port
	}
	str("VOICESAFE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	var level string
	if str("VOICESAFE_LOG_LEVEL", &level) {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}

	num("TARGET_SR", &cfg.Audio.SampleRate)
	secs("MAX_DURATION_S", &cfg.Audio.MaxDuration)
	secs("MIN_DURATION_S", &cfg.Audio.MinDuration)

	var ffmpeg string
	if str("FFMPEG_PATH", &ffmpeg) {
		for i := range cfg.Decoders {
			if cfg.Decoders[i].Name == DecoderFFmpeg {
				cfg.Decoders[i].Path = ffmpeg
			}
		}
	}

	rl := &cfg.RateLimit
	if str("REDIS_URL", &rl.RedisURL) {
		rl.Enabled = true
	}
	if secs("RL_WINDOW_S", &rl.Window) {
		rl.Enabled = true
	}
	if num("RL_MAX_REQ", &rl.MaxRequests) {
		rl.Enabled = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must be positive", s.MaxUploadBytes))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent %d must be positive", s.MaxConcurrent))
	}
	for name, d := range map[string]time.Duration{
		"queue_timeout":    s.QueueTimeout,
		"analysis_timeout": s.AnalysisTimeout,
		"shutdown_timeout": s.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("server.%s %v must be positive", name, d))
		}
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.MinDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_duration %v must be positive", a.MinDuration))
	}
	if a.MaxDuration <= a.MinDuration {
		errs = append(errs, fmt.Errorf("audio.max_duration %v must exceed min_duration %v", a.MaxDuration, a.MinDuration))
	}

	// Decoders
	seen := make(map[string]int, len(cfg.Decoders))
	for i, d := range cfg.Decoders {
		prefix := fmt.Sprintf("decoders[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[d.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of decoders[%d]", prefix, d.Name, prev))
		}
		seen[d.Name] = i
		validateDecoderName(d.Name)
		if b := d.Breaker; b != nil && (b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0) {
			errs = append(errs, fmt.Errorf("%s.breaker values must not be negative", prefix))
		}
	}

	// Features
	if err := cfg.FeatureParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}

	// Rate limit
	if rl := cfg.RateLimit; rl.Enabled {
		if rl.Window < time.Second {
			errs = append(errs, fmt.Errorf("rate_limit.window %v must be at least 1s", rl.Window))
		}
		if rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.max_requests %d must be positive", rl.MaxRequests))
		}
	}

	// Observe
	if r := cfg.Observe.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %v is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

// validateDecoderName logs a warning if name is not a built-in backend.
// Third-party backends may still be registered under it.
func validateDecoderName(name string) {
	if slices.Contains(DefaultDecoderOrder, name) {
		return
	}
	slog.Warn("unknown decoder name; may be a typo or a custom backend",
		"name", name,
		"known", DefaultDecoderOrder,
	)
}
