package extract

import (
	"regexp"
	"strings"

	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Text extracts best-effort plain text from raw file bytes for the declared
// file kind. It never fails: malformed input yields an empty (or near-empty)
// string, which callers interpret as "extraction failed".
func Text(data []byte, kind string) string {
	if len(data) == 0 {
		return ""
	}
	switch kind {
	case models.KindPDF:
		return pdfText(data)
	case models.KindDocx:
		return docxText(data)
	case models.KindText, models.KindTextNote:
		return strings.TrimSpace(string(data))
	case models.KindImage, models.KindAudio:
		// No text layer to read. Images go down the vision path; audio has
		// no fallback and fails unless text was supplied inline.
		return ""
	default:
		// Unknown kinds get the plain-text treatment; binary garbage will
		// simply come out unreadable and trip the vision fallback.
		return strings.TrimSpace(string(data))
	}
}

// collapseSpaces joins fragments with single spaces and squeezes runs of
// whitespace down to one space.
func collapseSpaces(fragments []string) string {
	joined := strings.Join(fragments, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(joined, " "))
}
