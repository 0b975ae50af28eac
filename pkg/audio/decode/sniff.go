package decode

import (
	"mime"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// MIME type families the native backends understand. Sniffers and clients
// disagree on spelling, so each family lists its aliases.
var (
	wavTypes = []string{"audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave"}
	mp3Types = []string{"audio/mpeg", "audio/mp3", "audio/x-mpeg", "audio/mpeg3", "audio/x-mp3"}
	oggTypes = []string{"audio/ogg", "application/ogg", "audio/opus", "audio/x-ogg"}
)

// Sniff returns the bare MIME type of data (parameters stripped). When the
// content is not recognisable, a non-empty declared type is used instead.
func Sniff(data []byte, declared string) string {
	detected := baseType(mimetype.Detect(data).String())
	if detected != octetStream {
		return detected
	}
	if d := baseType(declared); d != "" {
		return d
	}
	return octetStream
}

// IsAudio reports whether mime names a type that may carry an audio stream.
func IsAudio(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return true
	case strings.HasPrefix(mime, "video/"):
		return true
	case mime == "application/ogg":
		return true
	}
	return false
}

func isWAV(mime string) bool { return slices.Contains(wavTypes, mime) }
func isMP3(mime string) bool { return slices.Contains(mp3Types, mime) }
func isOgg(mime string) bool { return slices.Contains(oggTypes, mime) }

// baseType lower-cases t and strips MIME parameters. Unparseable input yields "".
func baseType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
