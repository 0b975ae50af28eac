package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

const (
	// opusRate is the rate libopus always decodes at in this backend.
	opusRate = 48000

	// opusMaxFrameSize is the largest Opus frame (120 ms at 48 kHz).
	opusMaxFrameSize = 5760

	opusHeadLen = 19
)

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// Opus decodes Ogg-encapsulated Opus (RFC 7845). Vorbis, FLAC-in-Ogg and
// multistream Opus are rejected so the chain can fall back to ffmpeg.
type Opus struct{}

// NewOpus returns the native Ogg/Opus backend.
func NewOpus() *Opus { return &Opus{} }

// Name implements [Decoder].
func (*Opus) Name() string { return "opus" }

// Accepts implements [Decoder].
func (*Opus) Accepts(mime string) bool { return isOgg(mime) }

// Decode implements [Decoder].
func (*Opus) Decode(ctx context.Context, data []byte, opts Options) (*audio.PCM, error) {
	packets, err := oggPackets(data)
	if err != nil && len(packets) == 0 {
		return nil, fmt.Errorf("%w: %v", audio.ErrUnsupportedFormat, err)
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: ogg stream has no packets", audio.ErrUnsupportedFormat)
	}

	head, err := parseOpusHead(packets[0])
	if err != nil {
		return nil, err
	}

	dec, err := gopus.NewDecoder(opusRate, head.channels)
	if err != nil {
		return nil, fmt.Errorf("decode: opus: create decoder: %w", err)
	}

	limit := opts.limitFrames(opusRate)
	var pcm []int16
	for i, pkt := range packets[1:] {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(pkt) == 0 || bytes.HasPrefix(pkt, opusTags) {
			continue
		}
		frame, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			if len(pcm) > 0 {
				// Corrupt tail: keep what decoded cleanly.
				break
			}
			return nil, fmt.Errorf("%w: opus packet: %v", audio.ErrUnsupportedFormat, err)
		}
		pcm = append(pcm, frame...)
		if limit > 0 && len(pcm)/head.channels >= limit+head.preSkip {
			break
		}
	}

	skip := head.preSkip * head.channels
	if skip >= len(pcm) {
		pcm = nil
	} else {
		pcm = pcm[skip:]
	}

	return &audio.PCM{
		Samples:    audio.Int16ToFloat(pcm),
		SampleRate: opusRate,
		Channels:   head.channels,
	}, nil
}

type opusHeader struct {
	channels int
	preSkip  int
}

func parseOpusHead(p []byte) (opusHeader, error) {
	if len(p) < opusHeadLen || !bytes.HasPrefix(p, opusHead) {
		return opusHeader{}, fmt.Errorf("%w: ogg stream is not opus", audio.ErrUnsupportedFormat)
	}
	h := opusHeader{
		channels: int(p[9]),
		preSkip:  int(binary.LittleEndian.Uint16(p[10:12])),
	}
	if mapping := p[18]; mapping != 0 {
		return opusHeader{}, fmt.Errorf("%w: opus channel mapping family %d", audio.ErrUnsupportedFormat, mapping)
	}
	if h.channels < 1 || h.channels > 2 {
		return opusHeader{}, fmt.Errorf("%w: opus with %d channels", audio.ErrUnsupportedFormat, h.channels)
	}
	return h, nil
}
