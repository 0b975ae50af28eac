package audio

import (
	"fmt"
	"math"
	"time"
)

// DefaultPeakFloor is the absolute peak below which a signal is treated as
// silence and left unscaled. Roughly -80 dBFS.
const DefaultPeakFloor = 1e-4

// NormalizeOptions controls [Normalize]. The zero value is not valid; start
// from [DefaultNormalizeOptions].
type NormalizeOptions struct {
	// SampleRate is the canonical output rate.
	SampleRate int

	// MaxDuration caps the waveform; longer input keeps its first MaxDuration.
	MaxDuration time.Duration

	// MinDuration is the analysis floor; shorter input is zero-padded to it.
	MinDuration time.Duration

	// PeakFloor disables peak normalisation for near-silent signals so noise
	// is not amplified to full scale.
	PeakFloor float64
}

// DefaultNormalizeOptions returns the canonical 16 kHz / 30 s / 0.5 s setup.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{
		SampleRate:  DefaultSampleRate,
		MaxDuration: DefaultMaxDuration,
		MinDuration: DefaultMinDuration,
		PeakFloor:   DefaultPeakFloor,
	}
}

// samplesFor converts a duration to a sample count at rate, rounding down.
func samplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// Normalize turns decoded PCM into the canonical [Waveform]:
//
//  1. average channels to mono
//  2. resample to opts.SampleRate
//  3. keep the first opts.MaxDuration
//  4. remove DC offset and scale the peak to 1.0 (skipped below PeakFloor)
//  5. zero-pad up to opts.MinDuration
//
// It returns [ErrEmptyAudio] when pcm holds no samples.
func Normalize(pcm *PCM, opts NormalizeOptions) (Waveform, error) {
	if opts.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("audio: normalize: invalid target sample rate %d", opts.SampleRate)
	}
	if pcm == nil || pcm.Frames() == 0 {
		return Waveform{}, ErrEmptyAudio
	}
	if pcm.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("%w: invalid source sample rate %d", ErrUnsupportedFormat, pcm.SampleRate)
	}

	mono := Downmix(pcm.Samples[:pcm.Frames()*pcm.Channels], pcm.Channels)
	samples, err := Resample(mono, pcm.SampleRate, opts.SampleRate)
	if err != nil {
		return Waveform{}, err
	}
	if len(samples) == 0 {
		return Waveform{}, ErrEmptyAudio
	}

	w := Waveform{
		SampleRate:     opts.SampleRate,
		SourceDuration: pcm.Duration(),
	}

	if maxN := samplesFor(opts.MaxDuration, opts.SampleRate); maxN > 0 && len(samples) > maxN {
		samples = samples[:maxN]
		w.Truncated = true
	}

	// Work on a private copy; the input may alias the decoder's buffer.
	out := make([]float64, len(samples), max(len(samples), samplesFor(opts.MinDuration, opts.SampleRate)))
	copy(out, samples)
	removeDC(out)
	scalePeak(out, opts.PeakFloor)
	w.ContentDuration = time.Duration(int64(len(out)) * int64(time.Second) / int64(opts.SampleRate))

	if minN := samplesFor(opts.MinDuration, opts.SampleRate); len(out) < minN {
		out = append(out, make([]float64, minN-len(out))...)
		w.Padded = true
	}
	w.Samples = out
	return w, nil
}

// removeDC subtracts the mean from x in place.
func removeDC(x []float64) {
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	if mean == 0 {
		return
	}
	for i := range x {
		x[i] -= mean
	}
}

// scalePeak scales x in place so that max |x| == 1, unless the peak is below
// floor.
func scalePeak(x []float64, floor float64) {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < floor || peak == 0 {
		return
	}
	inv := 1.0 / peak
	for i := range x {
		x[i] *= inv
	}
}
