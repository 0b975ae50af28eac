package features

import (
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// Extract computes the feature [Vector] of w.
//
// Energy statistics span every frame; spectral, ZCR and MFCC statistics span
// non-silent frames only. Pitch is estimated on non-silent frames; a frame
// with an accepted period is voiced. When w carries a ContentDuration it is
// used for the duration feature and the confidence floor, so zero padding
// does not make a clip look longer than it is.
func Extract(w audio.Waveform, p Params) (Vector, error) {
	if err := p.Validate(); err != nil {
		return Vector{}, fmt.Errorf("%w: invalid params: %w", ErrFeatureExtractionFailed, err)
	}
	if len(w.Samples) == 0 {
		return Vector{}, fmt.Errorf("%w: empty buffer", ErrFeatureExtractionFailed)
	}
	if w.SampleRate != p.SampleRate {
		return Vector{}, fmt.Errorf("%w: sample rate %d, want %d", ErrFeatureExtractionFailed, w.SampleRate, p.SampleRate)
	}
	for i, s := range w.Samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return Vector{}, fmt.Errorf("%w: non-finite sample at %d", ErrFeatureExtractionFailed, i)
		}
	}

	x := w.Samples
	frameLen := p.samples(p.FrameLength)
	hop := p.samples(p.HopLength)
	pitchLen := p.samples(p.PitchWindow)
	frames := frameCount(len(x), frameLen, hop)

	spec := newSpectrum(frameLen, p.FFTSize, p.SampleRate)
	cep := newMFCC(p.MelBands, p.MFCCCoeffs, p.FFTSize, p.SampleRate)
	pitch := newYIN(p)

	var (
		frame     = make([]float64, frameLen)
		pitchBuf  = make([]float64, pitchLen)
		energy    = make([]float64, 0, frames)
		zcr       []float64
		centroid  []float64
		rolloff   []float64
		flatness  []float64
		f0        []float64
		coeffs    = make([][]float64, p.MFCCCoeffs)
		cepFrame  = make([]float64, p.MFCCCoeffs)
		silent    int
		onsets    int
		prevSound bool
		total     float64
		high      float64
	)

	for i := range frames {
		frameAt(frame, x, i, hop)
		e := rms(frame)
		energy = append(energy, e)

		sound := e >= p.SilenceThreshold
		if !sound {
			silent++
			prevSound = false
			continue
		}
		if !prevSound {
			onsets++
		}
		prevSound = true

		zcr = append(zcr, zeroCrossingRate(frame))

		power := spec.compute(frame)
		sh := spec.shape(power, p.RolloffPercent, p.HighBandCutoff)
		centroid = append(centroid, sh.centroid)
		rolloff = append(rolloff, sh.rolloff)
		flatness = append(flatness, sh.flatness)
		total += sh.total
		high += sh.high

		cep.compute(cepFrame, power)
		for k, c := range cepFrame {
			coeffs[k] = append(coeffs[k], c)
		}

		if pitchWindow(pitchBuf, x, i*hop) {
			if hz, ok := pitch.estimate(pitchBuf); ok {
				f0 = append(f0, hz)
			}
		}
	}

	analysed := float64(len(x)) / float64(p.SampleRate)
	content := w.ContentDuration
	if content <= 0 {
		content = time.Duration(float64(time.Second) * analysed)
	}

	var v Vector
	v.EnergyMean, v.EnergyStd = meanStd(energy)
	v.SilenceRatio = float64(silent) / float64(frames)
	v.ZCRMean, v.ZCRStd = meanStd(zcr)
	v.CentroidMean, v.CentroidStd = meanStd(centroid)
	v.RolloffMean, v.RolloffStd = meanStd(rolloff)
	v.FlatnessMean, v.FlatnessStd = meanStd(flatness)
	if total > 0 {
		v.HighBandRatio = high / total
	}
	if len(zcr) > 0 {
		var sum float64
		for _, c := range coeffs {
			_, sd := meanStd(c)
			sum += sd
		}
		v.MFCCStd = sum / float64(len(coeffs))
	}
	v.PitchMean, v.PitchStd = meanStd(f0)
	v.Jitter = jitter(f0, p.MinJitterFrames)
	v.VoicedRatio = float64(len(f0)) / float64(frames)
	v.OnsetRate = float64(onsets) / analysed
	v.Duration = content.Seconds()
	v.LowConfidence = len(f0) == 0 || content < p.MinDuration

	for i, val := range v.Values() {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return Vector{}, fmt.Errorf("%w: feature %s is not finite", ErrFeatureExtractionFailed, names[i])
		}
	}
	return v, nil
}

// pitchWindow fills dst with the pitch window for the frame starting at
// start. Windows that would run past the end are shifted back so that they
// end on the last sample. It reports false when x is shorter than dst.
func pitchWindow(dst, x []float64, start int) bool {
	if len(x) < len(dst) {
		return false
	}
	start = min(start, len(x)-len(dst))
	copy(dst, x[start:start+len(dst)])
	return true
}

// meanStd returns the population mean and standard deviation of x, or 0, 0
// when x is empty.
func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(x, nil)
}

// jitter is the median absolute f0 change between consecutive voiced frames,
// relative to mean f0.
func jitter(f0 []float64, minFrames int) float64 {
	if len(f0) < minFrames {
		return 0
	}
	deltas := make([]float64, len(f0)-1)
	for i := 1; i < len(f0); i++ {
		deltas[i-1] = math.Abs(f0[i] - f0[i-1])
	}
	slices.Sort(deltas)
	mean := stat.Mean(f0, nil)
	if mean <= 0 {
		return 0
	}
	return stat.Quantile(0.5, stat.LinInterp, deltas, nil) / mean
}
