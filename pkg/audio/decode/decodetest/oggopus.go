// Package decodetest builds encoded audio payloads for tests of the decode
// chain and its callers.
package decodetest

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	// OpusRate is the rate [OggOpus] expects its input at.
	OpusRate = 48000

	// OpusPreSkip is the pre-skip written to the OpusHead packet. It matches
	// the libopus encoder lookahead at 48 kHz.
	OpusPreSkip = 312

	opusFrameSize = 960 // 20 ms
	opusMaxPacket = 4000
	oggSerial     = 0x766f6963

	oggFlagBOS = 0x02
	oggFlagEOS = 0x04
)

// OggOpus encodes interleaved 16-bit PCM at [OpusRate] into an Ogg/Opus
// stream: OpusHead and OpusTags pages followed by one 20 ms packet per page,
// with granule positions and page checksums set. The final frame is padded
// with silence.
func OggOpus(pcm []int16, channels int) ([]byte, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("decodetest: opus with %d channels", channels)
	}
	enc, err := gopus.NewEncoder(OpusRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("decodetest: opus encoder: %w", err)
	}

	var w oggWriter
	w.page(oggFlagBOS, 0, opusHeadPacket(channels))
	w.page(0, 0, opusTagsPacket())

	step := opusFrameSize * channels
	frames := (len(pcm) + step - 1) / step
	for i := range frames {
		frame := make([]int16, step)
		copy(frame, pcm[i*step:])
		pkt, err := enc.Encode(frame, opusFrameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("decodetest: opus encode frame %d: %w", i, err)
		}
		var flags byte
		if i == frames-1 {
			flags = oggFlagEOS
		}
		w.page(flags, uint64(OpusPreSkip+(i+1)*opusFrameSize), pkt)
	}
	return w.buf, nil
}

func opusHeadPacket(channels int) []byte {
	p := make([]byte, 19)
	copy(p, "OpusHead")
	p[8] = 1
	p[9] = byte(channels)
	binary.LittleEndian.PutUint16(p[10:], OpusPreSkip)
	binary.LittleEndian.PutUint32(p[12:], OpusRate)
	return p
}

func opusTagsPacket() []byte {
	vendor := "voicesafe"
	p := make([]byte, 0, 8+4+len(vendor)+4)
	p = append(p, "OpusTags"...)
	p = binary.LittleEndian.AppendUint32(p, uint32(len(vendor)))
	p = append(p, vendor...)
	return binary.LittleEndian.AppendUint32(p, 0)
}

type oggWriter struct {
	buf []byte
	seq uint32
}

// page appends a single-packet page. Packets must be shorter than 255*255
// bytes, which every 20 ms Opus packet is.
func (w *oggWriter) page(flags byte, granule uint64, packet []byte) {
	var lacing []byte
	n := len(packet)
	for n >= 255 {
		lacing = append(lacing, 255)
		n -= 255
	}
	lacing = append(lacing, byte(n))

	start := len(w.buf)
	hdr := make([]byte, 27)
	copy(hdr, "OggS")
	hdr[5] = flags
	binary.LittleEndian.PutUint64(hdr[6:], granule)
	binary.LittleEndian.PutUint32(hdr[14:], oggSerial)
	binary.LittleEndian.PutUint32(hdr[18:], w.seq)
	hdr[26] = byte(len(lacing))
	w.buf = append(w.buf, hdr...)
	w.buf = append(w.buf, lacing...)
	w.buf = append(w.buf, packet...)
	binary.LittleEndian.PutUint32(w.buf[start+22:], oggCRC(w.buf[start:]))
	w.seq++
}

var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// oggCRC is the unreflected CRC-32 Ogg uses, computed with the checksum
// field zeroed.
func oggCRC(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}
