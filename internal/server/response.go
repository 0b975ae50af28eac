package server

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/voicesafe/internal/analysis"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

type banner struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

type labels struct {
	ScamRisk scoring.Label `json:"scam_risk"`
	AIVoice  scoring.Label `json:"ai_voice_probability"`
	Stress   scoring.Label `json:"stress_level"`
}

type meta struct {
	Filename   string  `json:"filename"`
	Bytes      int     `json:"bytes"`
	Format     string  `json:"format"`
	Decoder    string  `json:"decoder"`
	DurationS  float64 `json:"duration_s"`
	SampleRate int     `json:"sample_rate"`
	Truncated  bool    `json:"truncated"`
	MS         int64   `json:"ms"`
	Version    string  `json:"version,omitempty"`
}

// response is the /analyze success body.
type response struct {
	ID            string         `json:"id"`
	ScamRisk      float64        `json:"scam_risk"`
	AIVoice       float64        `json:"ai_voice_probability"`
	Stress        float64        `json:"stress_level"`
	LowConfidence bool           `json:"low_confidence"`
	Labels        labels         `json:"labels"`
	Flags         []scoring.Flag `json:"flags"`
	Summary       string         `json:"summary"`
	Meta          meta           `json:"meta"`
}

func newResponse(id, version string, rep *analysis.Report) response {
	r := rep.Result
	flags := r.Flags
	if flags == nil {
		flags = []scoring.Flag{}
	}
	return response{
		ID:            id,
		ScamRisk:      r.ScamRisk.Value,
		AIVoice:       r.AIVoice.Value,
		Stress:        r.Stress.Value,
		LowConfidence: r.LowConfidence,
		Labels: labels{
			ScamRisk: r.ScamRisk.Label,
			AIVoice:  r.AIVoice.Label,
			Stress:   r.Stress.Label,
		},
		Flags:   flags,
		Summary: r.Summary,
		Meta: meta{
			Filename:   rep.Meta.Filename,
			Bytes:      rep.Meta.Bytes,
			Format:     rep.Meta.Format,
			Decoder:    rep.Meta.Decoder,
			DurationS:  rep.Meta.Duration.Seconds(),
			SampleRate: rep.Meta.SampleRate,
			Truncated:  rep.Meta.Truncated,
			MS:         rep.Meta.Elapsed.Milliseconds(),
			Version:    version,
		},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
