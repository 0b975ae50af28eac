package features

// Vector is the fixed-order feature set. Features that cannot be computed
// (no voiced frames, no non-silent frames) hold the sentinel 0.
type Vector struct {
	EnergyMean    float64 `json:"energy_mean"`
	EnergyStd     float64 `json:"energy_std"`
	SilenceRatio  float64 `json:"silence_ratio"`
	ZCRMean       float64 `json:"zcr_mean"`
	ZCRStd        float64 `json:"zcr_std"`
	CentroidMean  float64 `json:"centroid_mean"`
	CentroidStd   float64 `json:"centroid_std"`
	RolloffMean   float64 `json:"rolloff_mean"`
	RolloffStd    float64 `json:"rolloff_std"`
	FlatnessMean  float64 `json:"flatness_mean"`
	FlatnessStd   float64 `json:"flatness_std"`
	HighBandRatio float64 `json:"high_band_ratio"`
	MFCCStd       float64 `json:"mfcc_std"`
	PitchMean     float64 `json:"pitch_mean"`
	PitchStd      float64 `json:"pitch_std"`
	Jitter        float64 `json:"jitter"`
	VoicedRatio   float64 `json:"voiced_ratio"`
	OnsetRate     float64 `json:"onset_rate"`
	Duration      float64 `json:"duration"`

	// LowConfidence marks vectors computed from input too short or too
	// degraded (no voiced frames) to support the scores.
	LowConfidence bool `json:"low_confidence"`
}

// Feature names in vector order.
const (
	EnergyMean    = "energy_mean"
	EnergyStd     = "energy_std"
	SilenceRatio  = "silence_ratio"
	ZCRMean       = "zcr_mean"
	ZCRStd        = "zcr_std"
	CentroidMean  = "centroid_mean"
	CentroidStd   = "centroid_std"
	RolloffMean   = "rolloff_mean"
	RolloffStd    = "rolloff_std"
	FlatnessMean  = "flatness_mean"
	FlatnessStd   = "flatness_std"
	HighBandRatio = "high_band_ratio"
	MFCCStd       = "mfcc_std"
	PitchMean     = "pitch_mean"
	PitchStd      = "pitch_std"
	Jitter        = "jitter"
	VoicedRatio   = "voiced_ratio"
	OnsetRate     = "onset_rate"
	Duration      = "duration"
)

var names = []string{
	EnergyMean, EnergyStd, SilenceRatio, ZCRMean, ZCRStd,
	CentroidMean, CentroidStd, RolloffMean, RolloffStd,
	FlatnessMean, FlatnessStd, HighBandRatio, MFCCStd,
	PitchMean, PitchStd, Jitter, VoicedRatio, OnsetRate, Duration,
}

var index = func() map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}()

// Names returns the feature names in vector order. The slice is a copy.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Known reports whether name is a feature of [Vector].
func Known(name string) bool {
	_, ok := index[name]
	return ok
}

// Values returns the features in [Names] order.
func (v Vector) Values() []float64 {
	return []float64{
		v.EnergyMean, v.EnergyStd, v.SilenceRatio, v.ZCRMean, v.ZCRStd,
		v.CentroidMean, v.CentroidStd, v.RolloffMean, v.RolloffStd,
		v.FlatnessMean, v.FlatnessStd, v.HighBandRatio, v.MFCCStd,
		v.PitchMean, v.PitchStd, v.Jitter, v.VoicedRatio, v.OnsetRate, v.Duration,
	}
}

// Get returns the named feature.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := index[name]
	if !ok {
		return 0, false
	}
	return v.Values()[i], true
}
