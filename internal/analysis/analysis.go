// Package analysis runs the VoiceSafe pipeline: decode, normalise, extract
// features and score.
//
// An [Analyzer] is built once at startup and shared by every request. The
// decoder chain and normalisation settings are fixed for its lifetime;
// feature parameters and scoring weights can be swapped at runtime, and
// every call works on the snapshot it loaded when it started.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/pkg/audio"
	"github.com/MrWong99/voicesafe/pkg/audio/decode"
	"github.com/MrWong99/voicesafe/pkg/features"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

// Errors returned by [Analyzer.Analyze]. Match them with [errors.Is].
var (
	ErrUnsupportedFormat       = audio.ErrUnsupportedFormat
	ErrEmptyAudio              = audio.ErrEmptyAudio
	ErrFeatureExtractionFailed = features.ErrFeatureExtractionFailed

	// ErrDecoderUnavailable means no decoder able to handle the payload
	// could run (ffmpeg missing or its breaker open).
	ErrDecoderUnavailable = decode.ErrBackendUnavailable

	// ErrCancelled wraps the context error when a call was abandoned
	// between stages. No partial result accompanies it.
	ErrCancelled = errors.New("analysis: cancelled")
)

// Pipeline stage names, used as span suffixes and metric attributes.
const (
	StageDecode    = "decode"
	StageNormalize = "normalize"
	StageExtract   = "extract"
	StageScore     = "score"
)

// Meta describes how a payload was processed.
type Meta struct {
	Filename string
	Bytes    int
	Format   string
	Decoder  string

	// Duration is the analysed content length, after truncation and
	// before padding.
	Duration       time.Duration
	SourceDuration time.Duration
	SampleRate     int
	Truncated      bool
	Padded         bool

	Elapsed time.Duration
}

// Report is a successful analysis.
type Report struct {
	Result scoring.Result
	Vector features.Vector
	Meta   Meta
}

// Analyzer runs the pipeline. It is safe for concurrent use.
type Analyzer struct {
	chain   *decode.Chain
	norm    audio.NormalizeOptions
	metrics *observe.Metrics

	params atomic.Pointer[features.Params]
	scorer atomic.Pointer[scoring.Scorer]
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// New returns an Analyzer that decodes with chain, normalises with norm,
// extracts with params and scores with weights.
func New(chain *decode.Chain, norm audio.NormalizeOptions, params features.Params, weights scoring.Weights, opts ...Option) (*Analyzer, error) {
	if chain == nil {
		return nil, errors.New("analysis: nil decoder chain")
	}
	if norm.SampleRate != params.SampleRate {
		return nil, fmt.Errorf("analysis: normalise rate %d does not match feature rate %d", norm.SampleRate, params.SampleRate)
	}
	a := &Analyzer{chain: chain, norm: norm}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if err := a.SetParams(params); err != nil {
		return nil, err
	}
	if err := a.SetWeights(weights); err != nil {
		return nil, err
	}
	return a, nil
}

// SetWeights validates w and makes it the weight set for calls that start
// after it returns.
func (a *Analyzer) SetWeights(w scoring.Weights) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("analysis: weights: %w", err)
	}
	a.scorer.Store(scoring.New(w))
	return nil
}

// Weights returns the active weight set.
func (a *Analyzer) Weights() scoring.Weights {
	return a.scorer.Load().Weights()
}

// SetParams validates p and makes it the extraction setup for calls that
// start after it returns. The sample rate cannot change.
func (a *Analyzer) SetParams(p features.Params) error {
	if p.SampleRate != a.norm.SampleRate {
		return fmt.Errorf("analysis: feature rate %d does not match normalise rate %d", p.SampleRate, a.norm.SampleRate)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("analysis: params: %w", err)
	}
	a.params.Store(&p)
	return nil
}

// Params returns the active extraction setup.
func (a *Analyzer) Params() features.Params {
	return *a.params.Load()
}

// Decoders lists the backend names in trial order.
func (a *Analyzer) Decoders() []string {
	return a.chain.Names()
}

// Analyze runs the full pipeline on p. The context is checked before each
// stage; an ended context yields [ErrCancelled].
func (a *Analyzer) Analyze(ctx context.Context, p audio.Payload) (*Report, error) {
	start := time.Now()
	params := *a.params.Load()
	scorer := a.scorer.Load()

	a.metrics.InFlight.Add(ctx, 1)
	defer a.metrics.InFlight.Add(ctx, -1)

	ctx, span := observe.StartSpan(ctx, "analyze",
		trace.WithAttributes(attribute.Int("upload.bytes", len(p.Data))))
	defer span.End()

	rep, err := a.run(ctx, p, params, scorer)
	elapsed := time.Since(start)

	outcome := Outcome(err)
	a.metrics.RecordAnalysis(ctx, outcome, elapsed.Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		observe.Logger(ctx).Debug("analysis failed", "outcome", outcome, "err", err)
		return nil, err
	}

	rep.Meta.Elapsed = elapsed
	a.metrics.AudioSeconds.Record(ctx, rep.Meta.Duration.Seconds())
	if rep.Result.LowConfidence {
		a.metrics.LowConfidence.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("analysis completed",
		"decoder", rep.Meta.Decoder,
		"format", rep.Meta.Format,
		"duration_s", rep.Meta.Duration.Seconds(),
		"scam_risk", rep.Result.ScamRisk.Value,
		"ai_voice", rep.Result.AIVoice.Value,
		"stress", rep.Result.Stress.Value,
		"low_confidence", rep.Result.LowConfidence,
		"elapsed", elapsed,
	)
	return rep, nil
}

func (a *Analyzer) run(ctx context.Context, p audio.Payload, params features.Params, scorer *scoring.Scorer) (*Report, error) {
	var (
		dec *decode.Result
		w   audio.Waveform
		v   features.Vector
		r   scoring.Result
	)

	err := a.stage(ctx, StageDecode, func(ctx context.Context) error {
		var err error
		dec, err = a.chain.Decode(ctx, p, decode.Options{
			SampleRate:  a.norm.SampleRate,
			MaxDuration: a.norm.MaxDuration,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	a.metrics.RecordDecode(ctx, dec.Decoder, dec.Format)

	err = a.stage(ctx, StageNormalize, func(context.Context) error {
		var err error
		w, err = audio.Normalize(dec.PCM, a.norm)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.Decoder, w.Format = dec.Decoder, dec.Format

	err = a.stage(ctx, StageExtract, func(context.Context) error {
		var err error
		v, err = features.Extract(w, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = a.stage(ctx, StageScore, func(context.Context) error {
		r = scorer.Score(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Report{
		Result: r,
		Vector: v,
		Meta: Meta{
			Filename:       p.Filename,
			Bytes:          len(p.Data),
			Format:         w.Format,
			Decoder:        w.Decoder,
			Duration:       w.ContentDuration,
			SourceDuration: w.SourceDuration,
			SampleRate:     w.SampleRate,
			Truncated:      w.Truncated,
			Padded:         w.Padded,
		},
	}, nil
}

// stage checks ctx, then runs fn inside a span and records its duration.
// A context that ends during fn turns fn's error into [ErrCancelled].
func (a *Analyzer) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %w", ErrCancelled, name, err)
	}

	ctx, span := observe.StartSpan(ctx, "analysis."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	a.metrics.RecordStage(ctx, name, time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w during %s: %w", ErrCancelled, name, ctxErr)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, name+" failed")
	return err
}

// Outcome classifies err for metrics and logs: ok, unsupported, empty,
// unavailable, extraction_failed, cancelled, timeout or error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled) && errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrEmptyAudio):
		return "empty"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported"
	case errors.Is(err, ErrDecoderUnavailable):
		return "unavailable"
	case errors.Is(err, ErrFeatureExtractionFailed):
		return "extraction_failed"
	default:
		return "error"
	}
}
