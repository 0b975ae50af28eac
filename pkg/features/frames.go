package features

import "math"

// hannWindow returns a symmetric Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// frameCount is the number of hop-spaced frames of length size over n
// samples. Input shorter than one frame still yields one (zero-padded) frame.
func frameCount(n, size, hop int) int {
	if n <= size {
		return 1
	}
	return 1 + (n-size)/hop
}

// frameAt copies frame i into dst, zero-filling past the end of x.
func frameAt(dst, x []float64, i, hop int) {
	start := i * hop
	n := copy(dst, x[min(start, len(x)):])
	clear(dst[n:])
}

func rms(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// zeroCrossingRate is the fraction of adjacent sample pairs that change sign.
func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	var n int
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			n++
		}
	}
	return float64(n) / float64(len(x)-1)
}
