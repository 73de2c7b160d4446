package extract

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

// visionThreshold is the character count under which text extraction is
// considered to have failed; common for scanned or chart-heavy PDFs. The
// caller then routes the raw bytes to the multimodal completion model.
const visionThreshold = 100

// base64ChunkSize is a multiple of 3 so per-chunk encodings concatenate into
// a valid base64 stream without padding in the middle.
const base64ChunkSize = 30000

// NeedsVision reports whether an extraction result is too thin to index and
// the raw bytes should go down the vision fallback path instead.
func NeedsVision(text string) bool {
	return len(strings.TrimSpace(text)) < visionThreshold
}

// DataURI base64-encodes file bytes in fixed-size chunks and wraps them as a
// data URI the completion API accepts as an image part.
func DataURI(data []byte, mimeType string) string {
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	for start := 0; start < len(data); start += base64ChunkSize {
		end := start + base64ChunkSize
		if end > len(data) {
			end = len(data)
		}
		b.WriteString(base64.StdEncoding.EncodeToString(data[start:end]))
	}
	return b.String()
}

// MIMEForKind maps a declared file kind to the MIME type used for the data
// URI, sniffing actual image bytes when the kind alone is ambiguous.
func MIMEForKind(data []byte, kind string) string {
	switch kind {
	case models.KindPDF:
		return "application/pdf"
	case models.KindImage:
		detected := http.DetectContentType(data)
		if strings.HasPrefix(detected, "image/") {
			return detected
		}
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// SupportsVision reports whether a file kind can be read visually by the
// completion model. Audio has no visual representation.
func SupportsVision(kind string) bool {
	return kind == models.KindPDF || kind == models.KindImage
}
