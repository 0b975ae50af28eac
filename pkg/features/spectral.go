package features

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// powerFloor keeps log() finite on empty bins.
const powerFloor = 1e-10

// spectrum computes power spectra of fixed-size frames. Not safe for
// concurrent use.
type spectrum struct {
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeffs []complex128
	power  []float64
	binHz  float64
}

func newSpectrum(frameLen, fftSize, sampleRate int) *spectrum {
	return &spectrum{
		fft:    fourier.NewFFT(fftSize),
		window: hannWindow(frameLen),
		buf:    make([]float64, fftSize),
		coeffs: make([]complex128, fftSize/2+1),
		power:  make([]float64, fftSize/2+1),
		binHz:  float64(sampleRate) / float64(fftSize),
	}
}

// compute windows frame, transforms it and returns the power spectrum. The
// returned slice is reused on the next call.
func (s *spectrum) compute(frame []float64) []float64 {
	for i, w := range s.window {
		s.buf[i] = frame[i] * w
	}
	clear(s.buf[len(s.window):])
	s.coeffs = s.fft.Coefficients(s.coeffs, s.buf)
	for k, c := range s.coeffs {
		a := cmplx.Abs(c)
		s.power[k] = a * a
	}
	return s.power
}

func (s *spectrum) freq(bin int) float64 { return float64(bin) * s.binHz }

// shape is the per-frame spectral summary.
type shape struct {
	centroid float64
	rolloff  float64
	flatness float64
	total    float64
	high     float64
}

func (s *spectrum) shape(power []float64, rolloffPct, highCutoff float64) shape {
	var sh shape
	var weighted, logSum float64
	for k, p := range power {
		f := s.freq(k)
		sh.total += p
		weighted += f * p
		logSum += math.Log(p + powerFloor)
		if f > highCutoff {
			sh.high += p
		}
	}
	if sh.total <= 0 {
		return sh
	}
	sh.centroid = weighted / sh.total

	target := rolloffPct * sh.total
	var cum float64
	for k, p := range power {
		cum += p
		if cum >= target {
			sh.rolloff = s.freq(k)
			break
		}
	}

	n := float64(len(power))
	geo := math.Exp(logSum / n)
	arith := sh.total/n + powerFloor
	sh.flatness = min(geo/arith, 1)
	return sh
}
