package extract

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Minimal PDF text recovery without a PDF object-graph parser. Content streams
// are located by their stream/endstream keywords, inflated when the preceding
// dictionary mentions /FlateDecode, and scanned for BT..ET text objects. Real
// PDFs mix compressed streams, multiple string encodings and non-text streams,
// so every step is best-effort: a stream that fails to decompress or decode
// simply contributes no text.

const flateLookback = 500

var (
	streamStartRe = regexp.MustCompile(`stream\r?\n`)
	textObjectRe  = regexp.MustCompile(`(?s)BT(.*?)ET`)

	literalTjRe = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*Tj`)
	hexTjRe     = regexp.MustCompile(`<([0-9A-Fa-f\s]+)>\s*Tj`)
	arrayTJRe   = regexp.MustCompile(`(?s)\[(.*?)\]\s*TJ`)

	literalElemRe = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)`)
	hexElemRe     = regexp.MustCompile(`<([0-9A-Fa-f\s]+)>`)

	printableRunRe = regexp.MustCompile(`[\x20-\x7e]{20,}`)
	hasLetterRe    = regexp.MustCompile(`[A-Za-z]`)
)

func pdfText(data []byte) string {
	var fragments []string

	for _, body := range contentStreams(data) {
		fragments = append(fragments, textObjects(body)...)
	}

	// Fallback for PDFs whose content streams we could not locate or
	// decode: scan the raw document bytes for text objects. Running this
	// unconditionally would extract uncompressed streams twice.
	if len(fragments) == 0 {
		fragments = textObjects(data)
	}

	if len(fragments) == 0 {
		fragments = printableRuns(data)
	}

	return collapseSpaces(fragments)
}

// contentStreams returns the decoded body of every stream..endstream region.
// Streams whose preceding dictionary carries /FlateDecode are inflated;
// inflate failures drop the stream (fonts, images and other non-text streams
// are expected to fail here).
func contentStreams(data []byte) [][]byte {
	var out [][]byte

	offset := 0
	for offset < len(data) {
		loc := streamStartRe.FindIndex(data[offset:])
		if loc == nil {
			break
		}
		keywordStart := offset + loc[0]
		bodyStart := offset + loc[1]

		end := bytes.Index(data[bodyStart:], []byte("endstream"))
		if end < 0 {
			break
		}
		body := data[bodyStart : bodyStart+end]
		offset = bodyStart + end + len("endstream")

		lookFrom := keywordStart - flateLookback
		if lookFrom < 0 {
			lookFrom = 0
		}
		if bytes.Contains(data[lookFrom:keywordStart], []byte("/FlateDecode")) {
			decoded, ok := inflate(body)
			if !ok {
				continue
			}
			body = decoded
		}
		out = append(out, body)
	}
	return out
}

// inflate decompresses a FlateDecode stream body. PDF flate streams carry a
// zlib header, but some writers emit raw deflate, so both are attempted.
func inflate(body []byte) ([]byte, bool) {
	// Stream bodies are often followed by a trailing EOL before endstream.
	body = bytes.TrimRight(body, "\r\n")

	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		decoded, err := io.ReadAll(zr)
		zr.Close()
		if err == nil {
			return decoded, true
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	decoded, err := io.ReadAll(fr)
	fr.Close()
	if err == nil && len(decoded) > 0 {
		return decoded, true
	}
	return nil, false
}

// textObjects pulls displayed strings out of every BT..ET block, in document
// order: (literal) Tj, <hex> Tj, and [ .. ] TJ kerning arrays.
func textObjects(data []byte) []string {
	var out []string
	for _, block := range textObjectRe.FindAllSubmatch(data, -1) {
		out = append(out, showOperands(block[1])...)
	}
	return out
}

type operand struct {
	pos  int
	text string
}

func showOperands(block []byte) []string {
	var ops []operand

	for _, m := range literalTjRe.FindAllSubmatchIndex(block, -1) {
		if s := decodeLiteral(block[m[2]:m[3]]); s != "" {
			ops = append(ops, operand{pos: m[0], text: s})
		}
	}
	for _, m := range hexTjRe.FindAllSubmatchIndex(block, -1) {
		if s := decodeHex(block[m[2]:m[3]]); s != "" {
			ops = append(ops, operand{pos: m[0], text: s})
		}
	}
	for _, m := range arrayTJRe.FindAllSubmatchIndex(block, -1) {
		arr := block[m[2]:m[3]]
		var parts []string
		for _, e := range literalElemRe.FindAllSubmatch(arr, -1) {
			if s := decodeLiteral(e[1]); s != "" {
				parts = append(parts, s)
			}
		}
		for _, e := range hexElemRe.FindAllSubmatch(arr, -1) {
			if s := decodeHex(e[1]); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			// Kerning adjustments between elements are ignored.
			ops = append(ops, operand{pos: m[0], text: strings.Join(parts, "")})
		}
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].pos < ops[j].pos })

	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.text)
	}
	return out
}

// decodeLiteral un-escapes a parenthesized PDF string body.
func decodeLiteral(raw []byte) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteByte(c)
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '(', ')', '\\':
			b.WriteByte(raw[i])
		default:
			b.WriteByte(raw[i])
		}
	}
	return b.String()
}

// decodeHex interprets a hex string body, preferring 2-byte UTF-16BE code
// units and falling back to printable single bytes. CID-encoded text without
// a usable ToUnicode map lands in the rejection path and is dropped.
func decodeHex(raw []byte) string {
	var hexDigits []byte
	for _, c := range raw {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			hexDigits = append(hexDigits, c)
		}
	}
	if len(hexDigits) == 0 {
		return ""
	}
	// Odd digit counts are implicitly zero-padded per the PDF spec.
	if len(hexDigits)%2 == 1 {
		hexDigits = append(hexDigits, '0')
	}

	bs := make([]byte, len(hexDigits)/2)
	for i := range bs {
		bs[i] = hexVal(hexDigits[2*i])<<4 | hexVal(hexDigits[2*i+1])
	}

	if s, ok := decodeUTF16BE(bs); ok {
		return s
	}
	return printableASCII(bs)
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func decodeUTF16BE(bs []byte) (string, bool) {
	if len(bs)%2 != 0 || len(bs) == 0 {
		return "", false
	}
	var b strings.Builder
	hasAlpha := false
	for i := 0; i < len(bs); i += 2 {
		u := rune(bs[i])<<8 | rune(bs[i+1])
		if u == 0 {
			return "", false
		}
		if (u >= 'A' && u <= 'Z') || (u >= 'a' && u <= 'z') {
			hasAlpha = true
		}
		b.WriteRune(u)
	}
	if !hasAlpha {
		return "", false
	}
	return b.String(), true
}

func printableASCII(bs []byte) string {
	var b strings.Builder
	for _, c := range bs {
		if c >= 0x20 && c <= 0x7e {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// printableRuns is the last-resort scan: runs of at least 20 printable ASCII
// characters containing at least one letter, anywhere in the document bytes.
func printableRuns(data []byte) []string {
	var out []string
	for _, run := range printableRunRe.FindAll(data, -1) {
		if hasLetterRe.Match(run) {
			out = append(out, string(run))
		}
	}
	return out
}
