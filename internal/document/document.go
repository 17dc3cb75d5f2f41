// Package document inspects PDF files produced by the backend.
package document

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// ExcerptLen is the maximum excerpt length in runes.
const ExcerptLen = 400

// Info summarises a PDF.
type Info struct {
	Pages   int
	Excerpt string
}

// Inspect opens the PDF at path and summarises it.
func Inspect(path string) (Info, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()
	return summarise(r)
}

// InspectReader summarises a PDF held in memory or on disk.
func InspectReader(ra io.ReaderAt, size int64) (Info, error) {
	r, err := pdf.NewReader(ra, size)
	if err != nil {
		return Info{}, fmt.Errorf("reading pdf: %w", err)
	}
	return summarise(r)
}

func summarise(r *pdf.Reader) (info Info, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf: %v", p)
		}
	}()

	info.Pages = r.NumPage()
	var sb strings.Builder
	for i := 1; i <= info.Pages && sb.Len() < ExcerptLen*4; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return info, fmt.Errorf("extracting text from page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteByte(' ')
	}
	info.Excerpt = excerpt(sb.String(), ExcerptLen)
	return info, nil
}

// excerpt collapses whitespace and cuts s to n runes.
func excerpt(s string, n int) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	out := []rune(strings.Join(fields, " "))
	if len(out) <= n {
		return string(out)
	}
	return strings.TrimSpace(string(out[:n])) + "…"
}
