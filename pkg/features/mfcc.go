package features

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
func melToHz(m float64) float64  { return 700 * (math.Pow(10, m/2595) - 1) }

// melBank builds bands triangular filters spanning 0 Hz to Nyquist over
// fftSize/2+1 power bins.
func melBank(bands, fftSize, sampleRate int) [][]float64 {
	half := fftSize/2 + 1
	hi := hzToMel(float64(sampleRate) / 2)

	edges := make([]int, bands+2)
	for i := range edges {
		hz := melToHz(hi * float64(i) / float64(bands+1))
		edges[i] = min(int(math.Round(hz*float64(fftSize)/float64(sampleRate))), half-1)
	}
	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			edges[i] = edges[i-1] + 1
		}
	}

	bank := make([][]float64, bands)
	for m := range bank {
		filter := make([]float64, half)
		left, center, right := edges[m], edges[m+1], edges[m+2]
		for k := left; k < center && k < half; k++ {
			filter[k] = float64(k-left) / float64(center-left)
		}
		for k := center; k <= right && k < half; k++ {
			filter[k] = float64(right-k) / float64(right-center)
		}
		bank[m] = filter
	}
	return bank
}

// dctBasis is the orthonormal DCT-II basis: coeffs rows of length n.
func dctBasis(coeffs, n int) [][]float64 {
	basis := make([][]float64, coeffs)
	for k := range basis {
		row := make([]float64, n)
		scale := math.Sqrt(2 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		for j := range row {
			row[j] = scale * math.Cos(math.Pi*float64(k)*(float64(j)+0.5)/float64(n))
		}
		basis[k] = row
	}
	return basis
}

// mfcc computes cepstral coefficients from power spectra.
type mfcc struct {
	bank  [][]float64
	basis [][]float64
	logE  []float64
}

func newMFCC(bands, coeffs, fftSize, sampleRate int) *mfcc {
	return &mfcc{
		bank:  melBank(bands, fftSize, sampleRate),
		basis: dctBasis(coeffs, bands),
		logE:  make([]float64, bands),
	}
}

// compute writes len(basis) coefficients for power into dst.
func (m *mfcc) compute(dst, power []float64) {
	for i, filter := range m.bank {
		m.logE[i] = math.Log(floats.Dot(filter, power) + powerFloor)
	}
	for k, row := range m.basis {
		dst[k] = floats.Dot(row, m.logE)
	}
}
