package audio

import (
	"fmt"
	"log/slog"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format describes the sample rate and channel count of a sample buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "44100Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Int16LEToFloat converts little-endian int16 PCM bytes to float samples in
// [-1, 1]. A trailing odd byte is ignored.
func Int16LEToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Int16ToFloat converts int16 samples to float samples in [-1, 1].
func Int16ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// IntToFloat converts integer samples of the given bit depth to float samples
// in [-1, 1]. Unsigned 8-bit PCM (the WAV convention) is re-centred.
func IntToFloat(samples []int, bitDepth int) []float64 {
	out := make([]float64, len(samples))
	if bitDepth == 8 {
		for i, s := range samples {
			out[i] = float64(s-128) / 128.0
		}
		return out
	}
	scale := float64(int64(1) << (bitDepth - 1))
	for i, s := range samples {
		out[i] = float64(s) / scale
	}
	return out
}

// Downmix averages interleaved channels into a mono signal. Mono input is
// returned unchanged (no allocation).
func Downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	inv := 1.0 / float64(channels)
	for i := range frames {
		var sum float64
		base := i * channels
		for c := range channels {
			sum += interleaved[base+c]
		}
		out[i] = sum * inv
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate. It uses a
// high-quality polyphase resampler and falls back to linear interpolation for
// inputs too short to fill the filter. If the rates match, samples is returned
// unchanged.
func Resample(samples []float64, srcRate, dstRate int) ([]float64, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %s -> %s: %w",
			formatString(srcRate, 1), formatString(dstRate, 1), err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler %s -> %s: %w",
			formatString(srcRate, 1), formatString(dstRate, 1), err)
	}
	out = append(out, tail...)
	if len(out) == 0 {
		slog.Debug("resampler produced no output, using linear interpolation",
			"samples", len(samples),
			"from", srcRate,
			"to", dstRate,
		)
		return resampleLinear(samples, srcRate, dstRate), nil
	}
	// The flushed filter tail can overshoot the ideal length.
	if want := resampledLen(len(samples), srcRate, dstRate); len(out) > want {
		out = out[:want]
	}
	return out, nil
}

// resampledLen is the number of samples n input samples span at dstRate,
// rounded up.
func resampledLen(n, srcRate, dstRate int) int {
	return int((int64(n)*int64(dstRate) + int64(srcRate) - 1) / int64(srcRate))
}

// resampleLinear resamples mono samples using linear interpolation.
func resampleLinear(samples []float64, srcRate, dstRate int) []float64 {
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float64, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
