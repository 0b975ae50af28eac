package scoring

import (
	"math"

	"github.com/MrWong99/voicesafe/pkg/features"
)

// Label is a qualitative band for a score.
type Label string

const (
	LabelLow    Label = "low"
	LabelMedium Label = "medium"
	LabelHigh   Label = "high"
)

// Score is a bounded value with its label.
type Score struct {
	Value float64 `json:"value"`
	Label Label   `json:"label"`
}

// FlagCode identifies an advisory flag.
type FlagCode string

const (
	FlagSyntheticVoice FlagCode = "synthetic_voice"
	FlagHighStress     FlagCode = "high_stress"
	FlagTelephonyBand  FlagCode = "telephony_band"
	FlagShortSample    FlagCode = "short_sample"
	FlagLowConfidence  FlagCode = "low_confidence"
)

// Flag is an advisory note attached to a result.
type Flag struct {
	Code    FlagCode `json:"code"`
	Message string   `json:"message"`
}

var flagMessages = map[FlagCode]string{
	FlagSyntheticVoice: "Synthetic voice characteristics (prototype heuristic)",
	FlagHighStress:     "High vocal stress detected (prototype heuristic)",
	FlagTelephonyBand:  "Band-limited, telephony-like signal",
	FlagShortSample:    "Very short sample, scores are less reliable",
	FlagLowConfidence:  "Too little usable speech; do not rely on these scores",
}

const (
	summaryHigh     = "High-risk pattern detected (prototype heuristic). Verify the caller's identity through official channels."
	summaryModerate = "Moderate risk indicators detected (prototype heuristic). Stay cautious and verify the caller."
	summaryLow      = "Low risk indicators in this sample (prototype heuristic), but remain cautious."
)

// Result is the scorer output.
type Result struct {
	ScamRisk      Score  `json:"scam_risk"`
	AIVoice       Score  `json:"ai_voice_probability"`
	Stress        Score  `json:"stress_level"`
	LowConfidence bool   `json:"low_confidence"`
	Flags         []Flag `json:"flags"`
	Summary       string `json:"summary"`
}

// Scorer applies one immutable [Weights] value. It holds no mutable state
// and is safe for concurrent use.
type Scorer struct {
	w Weights
}

// New returns a Scorer for w. Validate w first; terms naming unknown
// features contribute 0.
func New(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Weights returns the weight set this scorer applies.
func (s *Scorer) Weights() Weights { return s.w }

// Score maps v to a [Result]. It is total: every output value is within
// [0,1] for any finite or non-finite input.
func (s *Scorer) Score(v features.Vector) Result {
	r := Result{
		ScamRisk:      s.score(s.w.ScamRisk, v),
		AIVoice:       s.score(s.w.AIVoice, v),
		Stress:        s.score(s.w.Stress, v),
		LowConfidence: v.LowConfidence,
	}
	r.Flags = s.flags(r, v)
	r.Summary = s.summary(r.ScamRisk.Value)
	return r
}

func (s *Scorer) score(rs RuleSet, v features.Vector) Score {
	val := Evaluate(rs, v)
	return Score{Value: val, Label: s.label(val)}
}

// Evaluate applies one rule set to v and returns a value in [0,1].
func Evaluate(rs RuleSet, v features.Vector) float64 {
	var raw float64
	for _, t := range rs.Terms {
		x, _ := v.Get(t.Feature)
		term := clamp01(x*t.Scale + t.Offset)
		if t.Invert {
			term = 1 - term
		}
		raw += t.Weight * term
	}
	return clamp01(logistic((raw - rs.Center) * rs.Slope))
}

func (s *Scorer) label(x float64) Label {
	switch {
	case x < s.w.Labels.Medium:
		return LabelLow
	case x < s.w.Labels.High:
		return LabelMedium
	default:
		return LabelHigh
	}
}

func (s *Scorer) flags(r Result, v features.Vector) []Flag {
	th := s.w.Flags
	var codes []FlagCode
	// Score-derived flags are withheld on low-confidence input; the scores
	// are still reported but must not be read as findings.
	if !v.LowConfidence {
		if r.AIVoice.Value >= th.SyntheticVoice {
			codes = append(codes, FlagSyntheticVoice)
		}
		if r.Stress.Value >= th.HighStress {
			codes = append(codes, FlagHighStress)
		}
		if v.HighBandRatio < th.TelephonyBand {
			codes = append(codes, FlagTelephonyBand)
		}
	}
	if v.Duration < th.ShortSample {
		codes = append(codes, FlagShortSample)
	}
	if v.LowConfidence {
		codes = append(codes, FlagLowConfidence)
	}

	out := make([]Flag, len(codes))
	for i, c := range codes {
		out[i] = Flag{Code: c, Message: flagMessages[c]}
	}
	return out
}

func (s *Scorer) summary(scam float64) string {
	switch {
	case scam >= s.w.Summary.High:
		return summaryHigh
	case scam >= s.w.Summary.Moderate:
		return summaryModerate
	default:
		return summaryLow
	}
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// clamp01 also maps NaN to 0.
func clamp01(x float64) float64 {
	switch {
	case x > 1:
		return 1
	case x >= 0:
		return x
	default:
		return 0
	}
}
