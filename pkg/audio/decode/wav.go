package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// WAV format tags accepted by the native decoder. Anything else (float,
// ADPCM, mu-law) falls through to ffmpeg.
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// wavChunkFrames is how many frames are read per PCMBuffer call.
const wavChunkFrames = 4096

// KSDATAFORMAT_SUBTYPE_PCM, the only WAVE_FORMAT_EXTENSIBLE subformat
// decoded natively.
var wavSubFormatPCM = []byte{
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71,
}

// Offsets inside an extensible fmt chunk body.
const (
	wavFmtSubFormatOff  = 24
	wavFmtExtensibleLen = wavFmtSubFormatOff + 16
)

// WAV decodes integer-PCM RIFF/WAVE files.
type WAV struct{}

// NewWAV returns the native WAV backend.
func NewWAV() *WAV { return &WAV{} }

// Name implements [Decoder].
func (*WAV) Name() string { return "wav" }

// Accepts implements [Decoder].
func (*WAV) Accepts(mime string) bool { return isWAV(mime) }

// Decode implements [Decoder].
func (*WAV) Decode(ctx context.Context, data []byte, opts Options) (*audio.PCM, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", audio.ErrUnsupportedFormat)
	}
	if d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: wav encoding 0x%04x", audio.ErrUnsupportedFormat, d.WavAudioFormat)
	}
	if d.WavAudioFormat == wavFormatExtensible {
		sub := wavSubFormat(data)
		if !bytes.Equal(sub, wavSubFormatPCM) {
			return nil, fmt.Errorf("%w: wav extensible subformat %x", audio.ErrUnsupportedFormat, sub)
		}
	}

	channels, rate, depth := int(d.NumChans), int(d.SampleRate), int(d.BitDepth)
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("%w: wav header declares %d channels at %d Hz", audio.ErrUnsupportedFormat, channels, rate)
	}
	switch depth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: wav bit depth %d", audio.ErrUnsupportedFormat, depth)
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:   make([]int, wavChunkFrames*channels),
	}
	limit := opts.limitFrames(rate)

	var samples []float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := d.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: wav data: %v", audio.ErrUnsupportedFormat, err)
		}
		if n == 0 {
			break
		}
		samples = append(samples, audio.IntToFloat(buf.Data[:n], depth)...)
		if limit > 0 && len(samples)/channels >= limit {
			break
		}
	}

	return &audio.PCM{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

// wavSubFormat returns the SubFormat GUID of the first fmt chunk, or nil
// when the chunk is too short to carry one. go-audio/wav discards the
// extension bytes, so the RIFF chunks are walked directly.
func wavSubFormat(data []byte) []byte {
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil
		}
		if id == "fmt " {
			if size < wavFmtExtensibleLen {
				return nil
			}
			return data[body+wavFmtSubFormatOff : body+wavFmtExtensibleLen]
		}
		off = body + size + size%2
	}
	return nil
}
