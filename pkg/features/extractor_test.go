package features_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicesafe/pkg/audio"
	"github.com/MrWong99/voicesafe/pkg/features"
)

const rate = audio.DefaultSampleRate

func waveform(samples []float64) audio.Waveform {
	return audio.Waveform{
		Samples:         samples,
		SampleRate:      rate,
		ContentDuration: time.Duration(len(samples)) * time.Second / rate,
	}
}

func sine(seconds, freq, amp float64) []float64 {
	out := make([]float64, int(seconds*rate))
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return out
}

func addNoise(x []float64, amp float64, seed uint64) []float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range x {
		x[i] += amp * (2*r.Float64() - 1)
	}
	return x
}

func extract(t *testing.T, w audio.Waveform) features.Vector {
	t.Helper()
	v, err := features.Extract(w, features.DefaultParams())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return v
}

func TestDefaultParams_Valid(t *testing.T) {
	if err := features.DefaultParams().Validate(); err != nil {
		t.Fatalf("DefaultParams invalid: %v", err)
	}
}

func TestParams_ValidateCollectsErrors(t *testing.T) {
	p := features.DefaultParams()
	p.FFTSize = 300
	p.PitchMax = 10
	p.YINThreshold = 2
	err := p.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"fft_size", "pitch range", "yin_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// A steady 150 Hz tone with light noise must read as fully voiced with
// near-zero jitter.
func TestExtract_SteadyTone(t *testing.T) {
	v := extract(t, waveform(addNoise(sine(2, 150, 0.5), 0.01, 1)))

	if v.Jitter >= 0.01 {
		t.Errorf("Jitter = %v, want < 0.01", v.Jitter)
	}
	if v.VoicedRatio <= 0.95 {
		t.Errorf("VoicedRatio = %v, want > 0.95", v.VoicedRatio)
	}
	if math.Abs(v.PitchMean-150) > 3 {
		t.Errorf("PitchMean = %v, want ~150", v.PitchMean)
	}
	if v.PitchStd > 2 {
		t.Errorf("PitchStd = %v, want near 0", v.PitchStd)
	}
	if v.SilenceRatio != 0 {
		t.Errorf("SilenceRatio = %v, want 0", v.SilenceRatio)
	}
	if v.LowConfidence {
		t.Error("LowConfidence set on a clean 2 s tone")
	}
	if math.Abs(v.Duration-2) > 1e-9 {
		t.Errorf("Duration = %v, want 2", v.Duration)
	}
}

func TestExtract_SilenceIsLowConfidenceNotError(t *testing.T) {
	v := extract(t, waveform(make([]float64, rate)))

	if !v.LowConfidence {
		t.Error("expected LowConfidence for silence")
	}
	if v.SilenceRatio != 1 {
		t.Errorf("SilenceRatio = %v, want 1", v.SilenceRatio)
	}
	for i, val := range v.Values() {
		if i == len(features.Names())-1 || features.Names()[i] == features.SilenceRatio {
			continue
		}
		if val != 0 {
			t.Errorf("%s = %v, want sentinel 0", features.Names()[i], val)
		}
	}
}

func TestExtract_ShortContentIsLowConfidence(t *testing.T) {
	samples := sine(0.5, 200, 0.6)
	clear(samples[1600:])
	w := waveform(samples)
	w.ContentDuration = 100 * time.Millisecond
	w.Padded = true

	v := extract(t, w)
	if !v.LowConfidence {
		t.Error("expected LowConfidence for 100 ms of content")
	}
	if math.Abs(v.Duration-0.1) > 1e-9 {
		t.Errorf("Duration = %v, want 0.1", v.Duration)
	}
}

func TestExtract_Failures(t *testing.T) {
	nan := sine(1, 200, 0.5)
	nan[100] = math.NaN()
	inf := sine(1, 200, 0.5)
	inf[5] = math.Inf(-1)

	tests := []struct {
		name string
		w    audio.Waveform
	}{
		{"empty", audio.Waveform{SampleRate: rate}},
		{"wrong rate", audio.Waveform{Samples: sine(1, 200, 0.5), SampleRate: 44100}},
		{"nan", waveform(nan)},
		{"inf", waveform(inf)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := features.Extract(tc.w, features.DefaultParams())
			if !errors.Is(err, features.ErrFeatureExtractionFailed) {
				t.Fatalf("err = %v, want ErrFeatureExtractionFailed", err)
			}
		})
	}
}

func TestExtract_Deterministic(t *testing.T) {
	w := waveform(addNoise(sine(1.5, 180, 0.4), 0.05, 7))
	a := extract(t, w).Values()
	b := extract(t, w).Values()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("%s differs between runs: %v vs %v", features.Names()[i], a[i], b[i])
		}
	}
}

func TestExtract_HighBandRatio(t *testing.T) {
	low := extract(t, waveform(sine(1, 300, 0.5)))
	high := extract(t, waveform(sine(1, 5000, 0.5)))

	if low.HighBandRatio > 0.01 {
		t.Errorf("300 Hz tone HighBandRatio = %v, want < 0.01", low.HighBandRatio)
	}
	if high.HighBandRatio < 0.9 {
		t.Errorf("5 kHz tone HighBandRatio = %v, want > 0.9", high.HighBandRatio)
	}
	if high.CentroidMean <= low.CentroidMean {
		t.Errorf("centroid of 5 kHz tone (%v) not above 300 Hz tone (%v)", high.CentroidMean, low.CentroidMean)
	}
}

func TestExtract_NoiseIsFlatterThanTone(t *testing.T) {
	tone := extract(t, waveform(sine(1, 440, 0.5)))
	noise := extract(t, waveform(addNoise(make([]float64, rate), 0.5, 3)))

	if noise.FlatnessMean <= tone.FlatnessMean {
		t.Errorf("noise flatness %v not above tone flatness %v", noise.FlatnessMean, tone.FlatnessMean)
	}
	if noise.ZCRMean <= tone.ZCRMean {
		t.Errorf("noise ZCR %v not above tone ZCR %v", noise.ZCRMean, tone.ZCRMean)
	}
}

func TestExtract_OnsetRate(t *testing.T) {
	// Four 200 ms bursts separated by 300 ms of silence over 2 s.
	x := make([]float64, 2*rate)
	burst := sine(0.2, 220, 0.5)
	for k := range 4 {
		copy(x[k*8000:], burst)
	}
	v := extract(t, waveform(x))
	if math.Abs(v.OnsetRate-2) > 0.01 {
		t.Errorf("OnsetRate = %v, want 2 onsets/s", v.OnsetRate)
	}
	if v.SilenceRatio < 0.4 || v.SilenceRatio > 0.7 {
		t.Errorf("SilenceRatio = %v, want ~0.6", v.SilenceRatio)
	}
}

func TestNamesMatchValues(t *testing.T) {
	names := features.Names()
	v := features.Vector{Jitter: 0.25, Duration: 3}
	if len(names) != len(v.Values()) {
		t.Fatalf("%d names for %d values", len(names), len(v.Values()))
	}
	if got, ok := v.Get(features.Jitter); !ok || got != 0.25 {
		t.Errorf("Get(jitter) = %v, %v", got, ok)
	}
	if got, _ := v.Get(features.Duration); got != 3 {
		t.Errorf("Get(duration) = %v", got)
	}
	if _, ok := v.Get("loudness"); ok {
		t.Error("Get accepted an unknown feature")
	}
	if !features.Known(features.MFCCStd) || features.Known("nope") {
		t.Error("Known() mismatch")
	}
}
