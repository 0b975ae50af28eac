// Package decode turns uploaded container bytes into [audio.PCM].
//
// A [Chain] sniffs the payload, then offers it to each registered [Decoder]
// that accepts the detected MIME type, in order. Native backends (WAV, MP3,
// Ogg/Opus) come first; the ffmpeg backend is the catch-all fallback for
// everything else (M4A/AAC, FLAC, WebM, ...). A Chain is built once at
// startup and never mutated, so it is safe for concurrent use.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// ErrBackendUnavailable reports that a decoder backend could not run at all
// (missing binary, open circuit breaker). It is a deployment fault, not a
// property of the payload.
var ErrBackendUnavailable = errors.New("decode: backend unavailable")

// Options carries per-call hints to decoders.
type Options struct {
	// SampleRate is the canonical pipeline rate. Backends that can resample
	// natively (ffmpeg) emit this rate directly.
	SampleRate int

	// MaxDuration lets backends stop decoding early. Decoders may return a
	// little more than this; the normaliser performs the exact cut.
	MaxDuration time.Duration
}

// decodeMargin is how far past MaxDuration decoders keep going so that the
// normaliser, not the decoder, decides the exact truncation point.
const decodeMargin = time.Second

// limitFrames returns the maximum number of frames to decode at rate, or 0
// for no limit.
func (o Options) limitFrames(rate int) int {
	if o.MaxDuration <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(o.MaxDuration+decodeMargin) * int64(rate) / int64(time.Second))
}

// Decoder is one container/codec backend.
type Decoder interface {
	// Name is a short identifier used in config, logs and response metadata.
	Name() string

	// Accepts reports whether the backend can try a payload of this MIME type.
	Accepts(mime string) bool

	// Decode decodes data into interleaved PCM. Payloads the backend cannot
	// parse must yield an error wrapping [audio.ErrUnsupportedFormat] so the
	// chain can fall through to the next backend.
	Decode(ctx context.Context, data []byte, opts Options) (*audio.PCM, error)
}

// Result is a successful decode.
type Result struct {
	PCM     *audio.PCM
	Decoder string
	Format  string
}

// Chain tries decoders in order.
type Chain struct {
	decoders []Decoder
}

// NewChain returns a [Chain] over decoders. The slice is copied.
func NewChain(decoders ...Decoder) *Chain {
	d := make([]Decoder, len(decoders))
	copy(d, decoders)
	return &Chain{decoders: d}
}

// Names lists the decoder names in trial order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.decoders))
	for i, d := range c.decoders {
		names[i] = d.Name()
	}
	return names
}

// Decoders returns the decoders in trial order.
func (c *Chain) Decoders() []Decoder {
	d := make([]Decoder, len(c.decoders))
	copy(d, c.decoders)
	return d
}

// Decode sniffs p and decodes it with the first backend that succeeds.
//
// Errors: [audio.ErrEmptyAudio] for zero-byte payloads or zero-sample
// decodes; [audio.ErrUnsupportedFormat] for non-audio payloads and for audio
// no backend could decode; [ErrBackendUnavailable] when every backend that
// accepted the format was unable to run; the context error when ctx ends
// mid-decode.
func (c *Chain) Decode(ctx context.Context, p audio.Payload, opts Options) (*Result, error) {
	if len(p.Data) == 0 {
		return nil, audio.ErrEmptyAudio
	}

	mime := Sniff(p.Data, p.ContentType)
	if !IsAudio(mime) {
		return nil, fmt.Errorf("%w: detected %s", audio.ErrUnsupportedFormat, mime)
	}

	var (
		errs        []error
		empty       bool
		tried       int
		unavailable int
	)
	for _, d := range c.decoders {
		if !d.Accepts(mime) {
			continue
		}
		tried++
		pcm, err := d.Decode(ctx, p.Data, opts)
		if err == nil {
			if pcm.Frames() == 0 {
				empty = true
				errs = append(errs, fmt.Errorf("%s: no samples", d.Name()))
				continue
			}
			return &Result{PCM: pcm, Decoder: d.Name(), Format: mime}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, audio.ErrEmptyAudio) {
			empty = true
		}
		if errors.Is(err, ErrBackendUnavailable) {
			unavailable++
		}
		slog.Debug("decoder rejected payload, trying next",
			"decoder", d.Name(),
			"format", mime,
			"err", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}

	if tried == 0 {
		return nil, fmt.Errorf("%w: no decoder for %s", audio.ErrUnsupportedFormat, mime)
	}
	if empty {
		return nil, fmt.Errorf("%w: %w", audio.ErrEmptyAudio, errors.Join(errs...))
	}
	// No backend ran, so the payload was never found unsupported.
	if unavailable == tried {
		return nil, fmt.Errorf("%s: %w", mime, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: %s: %w", audio.ErrUnsupportedFormat, mime, errors.Join(errs...))
}
