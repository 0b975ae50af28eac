package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voicesafe/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require restart: %v", d.RestartRequired)
	}
}

func TestDiff_WeightsChanged(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Scoring.Weights.Labels.High = 0.9

	d := config.Diff(old, new)
	if !d.WeightsChanged {
		t.Error("expected WeightsChanged")
	}
	if d.LogLevelChanged || d.FeaturesChanged {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiff_FeaturesChanged(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Features.SilenceThreshold = 0.05
	if d := config.Diff(old, new); !d.FeaturesChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.ListenAddr = ":1"
	new.Decoders = new.Decoders[:1]
	new.RateLimit.Enabled = true

	d := config.Diff(old, new)
	for _, want := range []string{"server", "decoders", "rate_limit"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "audio") {
		t.Errorf("audio did not change: %v", d.RestartRequired)
	}
}
