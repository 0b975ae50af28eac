package features

// yin estimates f0 with the YIN algorithm (de Cheveigné & Kawahara, 2002):
// squared difference function, cumulative-mean normalisation, absolute
// threshold, then parabolic interpolation around the chosen lag.
type yin struct {
	sampleRate     float64
	minLag, maxLag int
	threshold      float64
	minHz, maxHz   float64
	diff           []float64
}

func newYIN(p Params) *yin {
	return &yin{
		sampleRate: float64(p.SampleRate),
		minLag:     p.minLag(),
		maxLag:     p.maxLag(),
		threshold:  p.YINThreshold,
		minHz:      p.PitchMin,
		maxHz:      p.PitchMax,
		diff:       make([]float64, p.maxLag()+2),
	}
}

// estimate returns the f0 of x in Hz and true, or 0 and false when no period
// within range clears the threshold. len(x) must exceed maxLag+1.
func (y *yin) estimate(x []float64) (float64, bool) {
	w := len(x) - y.maxLag - 1
	if w <= 0 {
		return 0, false
	}
	d := y.diff

	d[0] = 1
	var running float64
	for tau := 1; tau <= y.maxLag+1; tau++ {
		var sum float64
		for j := range w {
			delta := x[j] - x[j+tau]
			sum += delta * delta
		}
		running += sum
		if running == 0 {
			d[tau] = 1
			continue
		}
		d[tau] = sum * float64(tau) / running
	}

	tau := -1
	for t := y.minLag; t <= y.maxLag; t++ {
		if d[t] < y.threshold {
			for t+1 <= y.maxLag && d[t+1] < d[t] {
				t++
			}
			tau = t
			break
		}
	}
	if tau < 0 {
		return 0, false
	}

	refined := float64(tau)
	if tau > 1 {
		a, b, c := d[tau-1], d[tau], d[tau+1]
		if denom := a - 2*b + c; denom != 0 {
			if shift := (a - c) / (2 * denom); shift > -1 && shift < 1 {
				refined += shift
			}
		}
	}

	f0 := y.sampleRate / refined
	if f0 < y.minHz || f0 > y.maxHz {
		return 0, false
	}
	return f0, true
}
