package app

import (
	"log/slog"

	"github.com/MrWong99/voicesafe/internal/config"
	"github.com/MrWong99/voicesafe/internal/health"
	"github.com/MrWong99/voicesafe/internal/resilience"
	"github.com/MrWong99/voicesafe/pkg/audio/decode"
)

// registerBuiltinDecoders wires the decoder backends that ship with
// VoiceSafe into reg. The ffmpeg factory also adds an optional readiness
// check for the binary and its breaker.
func (a *App) registerBuiltinDecoders(reg *config.Registry) {
	reg.RegisterDecoder(config.DecoderWAV, func(config.DecoderEntry, config.AudioConfig) (decode.Decoder, error) {
		return decode.NewWAV(), nil
	})
	reg.RegisterDecoder(config.DecoderMP3, func(config.DecoderEntry, config.AudioConfig) (decode.Decoder, error) {
		return decode.NewMP3(), nil
	})
	reg.RegisterDecoder(config.DecoderOpus, func(config.DecoderEntry, config.AudioConfig) (decode.Decoder, error) {
		return decode.NewOpus(), nil
	})

	reg.RegisterDecoder(config.DecoderFFmpeg, func(entry config.DecoderEntry, ac config.AudioConfig) (decode.Decoder, error) {
		cbCfg := resilience.CircuitBreakerConfig{Name: config.DecoderFFmpeg}
		if b := entry.Breaker; b != nil {
			cbCfg.MaxFailures = b.MaxFailures
			cbCfg.ResetTimeout = b.ResetTimeout
			cbCfg.HalfOpenMax = b.HalfOpenMax
		}
		cb := resilience.NewCircuitBreaker(cbCfg)

		tempDir := ac.TempDir
		if dir := optString(entry.Options, "temp_dir"); dir != "" {
			tempDir = dir
		}
		f := decode.NewFFmpeg(entry.Path,
			decode.WithTempDir(tempDir),
			decode.WithBreaker(cb),
		)
		a.checkers = append(a.checkers, health.Checker{
			Name:     config.DecoderFFmpeg,
			Check:    health.All(health.Command(f.Path(), "-hide_banner", "-version"), health.Breaker(cb)),
			Optional: true,
		})
		if f.Available() {
			slog.Debug("ffmpeg decoder registered", "path", f.Path())
		}
		return f, nil
	})
}

// optString extracts a string value from a decoder Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
