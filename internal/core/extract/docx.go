package extract

import (
	"archive/zip"
	"bytes"
	"io"
	"regexp"
	"strings"
)

var (
	paragraphOpenRe = regexp.MustCompile(`<w:p[ >]`)
	runTextRe       = regexp.MustCompile(`(?s)<w:t[^>]*>(.*?)</w:t>`)
	tripleNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// docxText treats the file as a ZIP archive and recovers paragraph text from
// word/document.xml. Run-level splits inside a paragraph are concatenated;
// paragraphs are newline-joined.
func docxText(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ""
		}
		docXML, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return ""
		}
		break
	}
	if docXML == nil {
		return ""
	}

	var paragraphs []string
	for _, para := range splitParagraphs(docXML) {
		var b strings.Builder
		for _, m := range runTextRe.FindAllSubmatch(para, -1) {
			b.WriteString(unescapeXML(string(m[1])))
		}
		paragraphs = append(paragraphs, b.String())
	}

	text := strings.Join(paragraphs, "\n")
	text = tripleNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// splitParagraphs slices the document XML on <w:p> open tags; the leading
// slice before the first paragraph carries no run text and falls out
// naturally.
func splitParagraphs(docXML []byte) [][]byte {
	locs := paragraphOpenRe.FindAllIndex(docXML, -1)
	if len(locs) == 0 {
		return [][]byte{docXML}
	}
	var out [][]byte
	for i, loc := range locs {
		end := len(docXML)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, docXML[loc[0]:end])
	}
	return out
}

var xmlEntityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
)

func unescapeXML(s string) string {
	return xmlEntityReplacer.Replace(s)
}
