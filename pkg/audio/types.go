// Package audio defines the value types that flow through the VoiceSafe
// analysis pipeline and the normalisation step that turns decoded PCM of any
// shape into the canonical [Waveform].
//
// Decoding of container formats lives in the decode sub-package; this package
// only knows about raw sample buffers.
package audio

import (
	"errors"
	"time"
)

// Canonical waveform parameters. Every stage downstream of [Normalize] assumes
// exactly this sample rate and a single channel.
const (
	DefaultSampleRate  = 16000
	DefaultMaxDuration = 30 * time.Second
	DefaultMinDuration = 500 * time.Millisecond
)

var (
	// ErrUnsupportedFormat is returned when a payload is not a decodable
	// audio container (unknown, corrupt, or not audio at all).
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrEmptyAudio is returned for zero-byte payloads and for containers that
	// decode to zero samples.
	ErrEmptyAudio = errors.New("audio: empty audio")
)

// Payload is one uploaded recording. It lives for a single request.
type Payload struct {
	// Data is the raw container bytes as received.
	Data []byte

	// ContentType is the caller-declared MIME type, if any. It is only a hint:
	// sniffed content wins unless sniffing is inconclusive.
	ContentType string

	// Filename is the client-supplied name, used for logging and response
	// metadata only.
	Filename string
}

// PCM is decoded audio at its native rate and channel layout. Samples are
// interleaved and scaled to [-1, 1].
type PCM struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p == nil || p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playback length of p.
func (p *PCM) Duration() time.Duration {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(p.Frames()) * int64(time.Second) / int64(p.SampleRate))
}

// Waveform is the canonical, normalised signal consumed by feature extraction:
// mono, fixed sample rate, bounded length.
type Waveform struct {
	// Samples holds mono samples in [-1, 1], zero-padded up to the minimum
	// analysis length when the content was shorter.
	Samples []float64

	// SampleRate is always the canonical rate the pipeline was configured with.
	SampleRate int

	// ContentDuration is the length of real signal before zero-padding and
	// after truncation.
	ContentDuration time.Duration

	// SourceDuration is the decoded length before truncation.
	SourceDuration time.Duration

	// Truncated reports that the source exceeded the maximum duration and was
	// cut to its first MaxDuration seconds.
	Truncated bool

	// Padded reports that zeros were appended to reach the minimum length.
	Padded bool

	// Decoder is the name of the backend that decoded the payload.
	Decoder string

	// Format is the detected MIME type of the payload.
	Format string
}

// Duration returns the length of w including any padding.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(w.Samples)) * int64(time.Second) / int64(w.SampleRate))
}
