// Package scoring maps a feature [features.Vector] to three bounded
// heuristic scores (scam risk, AI-voice probability, vocal stress), their
// labels, advisory flags and a summary line.
//
// Every coefficient lives in [Weights], an explicit value that can be loaded
// from YAML, validated, and swapped between requests. The defaults are
// hand-set prototype tuning carried over from an earlier proof of concept;
// they were never fitted to labelled data and must not be presented as
// calibrated probabilities.
package scoring

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicesafe/pkg/features"
)

// Term maps one feature onto [0,1]: clamp(value*Scale+Offset, 0, 1),
// inverted (1-x) when Invert is set, then multiplied by Weight.
type Term struct {
	Feature string  `yaml:"feature"`
	Scale   float64 `yaml:"scale"`
	Offset  float64 `yaml:"offset,omitempty"`
	Invert  bool    `yaml:"invert,omitempty"`
	Weight  float64 `yaml:"weight"`
}

// RuleSet is one score's recipe. The raw score is the sum of weighted terms;
// the output is logistic((raw-Center)*Slope).
type RuleSet struct {
	Terms  []Term  `yaml:"terms"`
	Center float64 `yaml:"center"`
	Slope  float64 `yaml:"slope"`
}

// Bands are the label thresholds: below Medium is low, below High is medium,
// anything else is high.
type Bands struct {
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// FlagThresholds trigger advisory flags.
type FlagThresholds struct {
	SyntheticVoice float64 `yaml:"synthetic_voice"`
	HighStress     float64 `yaml:"high_stress"`

	// TelephonyBand fires when high_band_ratio is below this value.
	TelephonyBand float64 `yaml:"telephony_band"`

	// ShortSample fires when content is shorter than this many seconds.
	ShortSample float64 `yaml:"short_sample_seconds"`
}

// SummaryBands select the summary sentence from the scam-risk score.
type SummaryBands struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
}

// Weights is the complete, injectable scoring configuration.
type Weights struct {
	ScamRisk RuleSet        `yaml:"scam_risk"`
	AIVoice  RuleSet        `yaml:"ai_voice"`
	Stress   RuleSet        `yaml:"stress"`
	Labels   Bands          `yaml:"labels"`
	Flags    FlagThresholds `yaml:"flags"`
	Summary  SummaryBands   `yaml:"summary"`
}

// DefaultWeights returns the prototype tuning.
func DefaultWeights() Weights {
	return Weights{
		// Synthetic speech: unnaturally steady pitch, low cepstral movement,
		// noise-like (flat) spectrum.
		AIVoice: RuleSet{
			Terms: []Term{
				{Feature: features.Jitter, Scale: 2.2, Invert: true, Weight: 0.36},
				{Feature: features.MFCCStd, Scale: 0.18, Invert: true, Weight: 0.26},
				{Feature: features.PitchStd, Scale: 0.0045, Invert: true, Weight: 0.22},
				{Feature: features.FlatnessMean, Scale: 1.4, Weight: 0.16},
			},
			Center: 0.52,
			Slope:  6,
		},
		// Tension: pitch and loudness swings, sustained voicing, brighter
		// and noisier articulation.
		Stress: RuleSet{
			Terms: []Term{
				{Feature: features.PitchStd, Scale: 1.0 / 80, Weight: 0.30},
				{Feature: features.EnergyStd, Scale: 0.85, Weight: 0.25},
				{Feature: features.ZCRMean, Scale: 13, Weight: 0.20},
				{Feature: features.VoicedRatio, Scale: 1, Weight: 0.15},
				{Feature: features.CentroidMean, Scale: 1.0 / 5000, Weight: 0.10},
			},
			Center: 0.40,
			Slope:  6,
		},
		// Pressure calls: agitated prosody, irregular loudness, rapid pacing
		// with few pauses, delivered over a band-limited phone line.
		ScamRisk: RuleSet{
			Terms: []Term{
				{Feature: features.PitchStd, Scale: 1.0 / 80, Weight: 0.25},
				{Feature: features.EnergyStd, Scale: 0.85, Weight: 0.20},
				{Feature: features.OnsetRate, Scale: 1.0 / 6, Weight: 0.20},
				{Feature: features.SilenceRatio, Scale: 1, Invert: true, Weight: 0.15},
				{Feature: features.HighBandRatio, Scale: 20, Invert: true, Weight: 0.20},
			},
			Center: 0.45,
			Slope:  6,
		},
		Labels: Bands{Medium: 0.33, High: 0.66},
		Flags: FlagThresholds{
			SyntheticVoice: 0.75,
			HighStress:     0.70,
			TelephonyBand:  0.01,
			ShortSample:    2.0,
		},
		Summary: SummaryBands{Moderate: 0.45, High: 0.75},
	}
}

// Validate reports every problem in w.
func (w Weights) Validate() error {
	var errs []error
	for _, rs := range []struct {
		name string
		set  RuleSet
	}{
		{"scam_risk", w.ScamRisk},
		{"ai_voice", w.AIVoice},
		{"stress", w.Stress},
	} {
		errs = append(errs, rs.set.validate(rs.name)...)
	}
	if !inUnit(w.Labels.Medium) || !inUnit(w.Labels.High) || w.Labels.Medium >= w.Labels.High {
		errs = append(errs, fmt.Errorf("labels: need 0 <= medium (%v) < high (%v) <= 1", w.Labels.Medium, w.Labels.High))
	}
	if !inUnit(w.Summary.Moderate) || !inUnit(w.Summary.High) || w.Summary.Moderate >= w.Summary.High {
		errs = append(errs, fmt.Errorf("summary: need 0 <= moderate (%v) < high (%v) <= 1", w.Summary.Moderate, w.Summary.High))
	}
	if !inUnit(w.Flags.SyntheticVoice) || !inUnit(w.Flags.HighStress) {
		errs = append(errs, errors.New("flags: score thresholds must be within [0, 1]"))
	}
	if !finite(w.Flags.TelephonyBand) || w.Flags.TelephonyBand < 0 {
		errs = append(errs, fmt.Errorf("flags.telephony_band %v must be a non-negative number", w.Flags.TelephonyBand))
	}
	if !finite(w.Flags.ShortSample) || w.Flags.ShortSample < 0 {
		errs = append(errs, fmt.Errorf("flags.short_sample_seconds %v must be a non-negative number", w.Flags.ShortSample))
	}
	return errors.Join(errs...)
}

func (rs RuleSet) validate(name string) []error {
	var errs []error
	if len(rs.Terms) == 0 {
		errs = append(errs, fmt.Errorf("%s: at least one term is required", name))
	}
	if !finite(rs.Center) {
		errs = append(errs, fmt.Errorf("%s.center is not finite", name))
	}
	if !finite(rs.Slope) || rs.Slope <= 0 {
		errs = append(errs, fmt.Errorf("%s.slope %v must be positive", name, rs.Slope))
	}
	for i, t := range rs.Terms {
		if !features.Known(t.Feature) {
			errs = append(errs, fmt.Errorf("%s.terms[%d]: unknown feature %q", name, i, t.Feature))
		}
		if !finite(t.Scale) || !finite(t.Offset) || !finite(t.Weight) {
			errs = append(errs, fmt.Errorf("%s.terms[%d]: scale, offset and weight must be finite", name, i))
		}
	}
	return errs
}

// DecodeWeights reads a YAML weight set from r. Sections missing from the
// document keep their defaults; unknown keys are rejected.
func DecodeWeights(r io.Reader) (Weights, error) {
	w := DefaultWeights()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil && !errors.Is(err, io.EOF) {
		return Weights{}, fmt.Errorf("scoring: decode weights: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, fmt.Errorf("scoring: invalid weights: %w", err)
	}
	return w, nil
}

// LoadWeights reads and validates a YAML weight file.
func LoadWeights(path string) (Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return Weights{}, fmt.Errorf("scoring: open weights %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWeights(f)
}

func inUnit(x float64) bool { return finite(x) && x >= 0 && x <= 1 }
func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
