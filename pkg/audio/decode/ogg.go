package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Ogg page layout (RFC 3533 section 6).
const (
	oggHeaderLen     = 27
	oggSegmentsOff   = 26
	oggSerialOff     = 14
	oggHeaderTypeOff = 5
	oggFlagEOS       = 0x04
)

var (
	oggCapture = []byte("OggS")

	errOggTruncated = errors.New("ogg: truncated page")
	errOggNoCapture = errors.New("ogg: missing capture pattern")
	errOggNoPages   = errors.New("ogg: no pages")
)

// oggPackets splits an Ogg bitstream into the packets of its first logical
// stream, joining packets that span pages. Pages of other streams are
// skipped. A trailing incomplete packet is dropped.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		first   = true
	)
	for off := 0; off < len(data); {
		if len(data)-off < oggHeaderLen {
			if first {
				return nil, errOggTruncated
			}
			break
		}
		if !bytes.Equal(data[off:off+4], oggCapture) {
			if first {
				return nil, errOggNoCapture
			}
			// Resync on the next capture pattern.
			next := bytes.Index(data[off+1:], oggCapture)
			if next < 0 {
				break
			}
			off += next + 1
			continue
		}

		nsegs := int(data[off+oggSegmentsOff])
		lacingEnd := off + oggHeaderLen + nsegs
		if lacingEnd > len(data) {
			return packets, errOggTruncated
		}
		lacing := data[off+oggHeaderLen : lacingEnd]
		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		if lacingEnd+bodyLen > len(data) {
			if first {
				return nil, errOggTruncated
			}
			break
		}

		pageSerial := binary.LittleEndian.Uint32(data[off+oggSerialOff:])
		if first {
			serial = pageSerial
			first = false
		}
		if pageSerial == serial {
			body := data[lacingEnd : lacingEnd+bodyLen]
			pos := 0
			for _, l := range lacing {
				partial = append(partial, body[pos:pos+int(l)]...)
				pos += int(l)
				if l < 255 {
					packets = append(packets, partial)
					partial = nil
				}
			}
			if data[off+oggHeaderTypeOff]&oggFlagEOS != 0 {
				break
			}
		}
		off = lacingEnd + bodyLen
	}
	if first {
		return nil, errOggNoPages
	}
	return packets, nil
}
