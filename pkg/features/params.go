// Package features turns a canonical [audio.Waveform] into a fixed-order
// vector of acoustic features: energy, zero-crossing rate, spectral shape,
// MFCC variability, YIN pitch statistics, jitter and pacing.
//
// Extraction is a pure function of the waveform and [Params]; two calls with
// the same input produce bit-identical vectors.
package features

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// ErrFeatureExtractionFailed reports a numerical fault: an empty buffer, a
// sample rate other than the configured one, non-finite samples or a
// non-finite computed feature. Silence and other degraded input is never a
// fault; it yields a vector with LowConfidence set.
var ErrFeatureExtractionFailed = errors.New("features: extraction failed")

// Params tunes extraction. Start from [DefaultParams].
type Params struct {
	// SampleRate is the rate Extract requires of its input.
	SampleRate int

	// FrameLength and HopLength define the analysis frames.
	FrameLength time.Duration
	HopLength   time.Duration

	// FFTSize is the real FFT length; frames are zero-padded up to it.
	FFTSize int

	// PitchWindow is the YIN analysis window. It must be longer than one
	// period of PitchMin.
	PitchWindow time.Duration

	// PitchMin and PitchMax bound the f0 search in Hz.
	PitchMin float64
	PitchMax float64

	// YINThreshold is the cumulative-mean-normalised difference below which
	// a period is accepted.
	YINThreshold float64

	// SilenceThreshold is the frame RMS below which a frame counts as silent.
	SilenceThreshold float64

	// RolloffPercent is the spectral energy share that defines rolloff.
	RolloffPercent float64

	// HighBandCutoff is the frequency above which energy counts towards
	// high_band_ratio. 3.4 kHz is the upper edge of narrowband telephony.
	HighBandCutoff float64

	MelBands   int
	MFCCCoeffs int

	// MinJitterFrames is the voiced-frame count below which jitter is 0.
	MinJitterFrames int

	// MinDuration is the content length below which the vector is
	// low-confidence.
	MinDuration time.Duration
}

// DefaultParams returns the 16 kHz analysis setup.
func DefaultParams() Params {
	return Params{
		SampleRate:       audio.DefaultSampleRate,
		FrameLength:      25 * time.Millisecond,
		HopLength:        10 * time.Millisecond,
		FFTSize:          512,
		PitchWindow:      40 * time.Millisecond,
		PitchMin:         70,
		PitchMax:         400,
		YINThreshold:     0.15,
		SilenceThreshold: 0.02,
		RolloffPercent:   0.85,
		HighBandCutoff:   3400,
		MelBands:         26,
		MFCCCoeffs:       13,
		MinJitterFrames:  4,
		MinDuration:      audio.DefaultMinDuration,
	}
}

// Validate reports every inconsistent parameter.
func (p Params) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", p.SampleRate))
	}
	frame := p.samples(p.FrameLength)
	if frame < 2 {
		errs = append(errs, fmt.Errorf("frame_length %v is shorter than two samples", p.FrameLength))
	}
	if p.samples(p.HopLength) < 1 {
		errs = append(errs, fmt.Errorf("hop_length %v is shorter than one sample", p.HopLength))
	}
	if p.FFTSize < frame || p.FFTSize&(p.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("fft_size %d must be a power of two >= frame length %d", p.FFTSize, frame))
	}
	if p.PitchMin <= 0 || p.PitchMax <= p.PitchMin {
		errs = append(errs, fmt.Errorf("pitch range [%v, %v] is invalid", p.PitchMin, p.PitchMax))
	}
	if p.SampleRate > 0 && p.PitchMax >= float64(p.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("pitch_max %v must be below Nyquist", p.PitchMax))
	}
	if p.PitchMin > 0 && p.samples(p.PitchWindow) <= p.maxLag()+1 {
		errs = append(errs, fmt.Errorf("pitch_window %v must exceed one period of pitch_min", p.PitchWindow))
	}
	if p.YINThreshold <= 0 || p.YINThreshold >= 1 {
		errs = append(errs, fmt.Errorf("yin_threshold %v must be in (0, 1)", p.YINThreshold))
	}
	if p.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("silence_threshold %v must not be negative", p.SilenceThreshold))
	}
	if p.RolloffPercent <= 0 || p.RolloffPercent > 1 {
		errs = append(errs, fmt.Errorf("rolloff_percent %v must be in (0, 1]", p.RolloffPercent))
	}
	if p.MelBands < 2 || p.MFCCCoeffs < 1 || p.MFCCCoeffs > p.MelBands {
		errs = append(errs, fmt.Errorf("need 1 <= mfcc_coeffs (%d) <= mel_bands (%d), mel_bands >= 2", p.MFCCCoeffs, p.MelBands))
	}
	if p.MinJitterFrames < 2 {
		errs = append(errs, fmt.Errorf("min_jitter_frames %d must be at least 2", p.MinJitterFrames))
	}
	return errors.Join(errs...)
}

func (p Params) samples(d time.Duration) int {
	return int(int64(d) * int64(p.SampleRate) / int64(time.Second))
}

func (p Params) maxLag() int {
	return int(float64(p.SampleRate)/p.PitchMin) + 1
}

func (p Params) minLag() int {
	return max(int(float64(p.SampleRate)/p.PitchMax), 2)
}
