package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// go-mp3 always emits 16-bit little-endian stereo.
const (
	mp3Channels   = 2
	mp3FrameBytes = 2 * mp3Channels
	mp3ReadChunk  = 64 * 1024
)

// MP3 decodes MPEG-1/2 Layer III streams in pure Go.
type MP3 struct{}

// NewMP3 returns the native MP3 backend.
func NewMP3() *MP3 { return &MP3{} }

// Name implements [Decoder].
func (*MP3) Name() string { return "mp3" }

// Accepts implements [Decoder].
func (*MP3) Accepts(mime string) bool { return isMP3(mime) }

// Decode implements [Decoder].
func (*MP3) Decode(ctx context.Context, data []byte, opts Options) (*audio.PCM, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %v", audio.ErrUnsupportedFormat, err)
	}
	rate := d.SampleRate()
	if rate <= 0 {
		return nil, fmt.Errorf("%w: mp3 sample rate %d", audio.ErrUnsupportedFormat, rate)
	}

	limitBytes := opts.limitFrames(rate) * mp3FrameBytes
	var raw bytes.Buffer
	chunk := make([]byte, mp3ReadChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := d.Read(chunk)
		raw.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A stream that decoded some audio before breaking is still usable.
			if raw.Len() >= mp3FrameBytes {
				break
			}
			return nil, fmt.Errorf("%w: mp3 frames: %v", audio.ErrUnsupportedFormat, err)
		}
		if limitBytes > 0 && raw.Len() >= limitBytes {
			break
		}
	}

	pcm := raw.Bytes()
	pcm = pcm[:len(pcm)-len(pcm)%mp3FrameBytes]
	return &audio.PCM{
		Samples:    audio.Int16LEToFloat(pcm),
		SampleRate: rate,
		Channels:   mp3Channels,
	}, nil
}
