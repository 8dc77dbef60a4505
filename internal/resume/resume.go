// Package resume validates resume text and extracts it from PDF uploads.
package resume

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/jobpipe/internal/fault"
)

const (
	MinChars   = 100
	MaxChars   = 20000
	MaxPDFSize = 10 << 20 // 10MB

	CodeInvalidResume = "invalid_resume"
	CodeUnreadablePDF = "unreadable_pdf"
)

// Validate normalizes text and checks its length.
func Validate(text string) (string, error) {
	text = Normalize(text)
	n := utf8.RuneCountInString(text)
	switch {
	case n < MinChars:
		return "", fault.New(fault.Validation, CodeInvalidResume, "resume must be at least %d characters", MinChars)
	case n > MaxChars:
		return "", fault.New(fault.Validation, CodeInvalidResume, "resume must be at most %d characters", MaxChars)
	}
	return text, nil
}

// Normalize trims lines, collapses blank runs and removes NUL bytes some PDF
// producers emit.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	blank := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// FromPDF extracts the plain text of a PDF document read from r. The result
// still has to pass Validate.
func FromPDF(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPDFSize+1))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	if len(data) > MaxPDFSize {
		return "", fault.New(fault.Validation, CodeUnreadablePDF, "resume PDF exceeds %d bytes", MaxPDFSize)
	}

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fault.New(fault.Validation, CodeUnreadablePDF, "resume is not a readable PDF: %v", err)
	}
	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fault.New(fault.Validation, CodeUnreadablePDF, "extracting PDF text: %v", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fault.New(fault.Validation, CodeUnreadablePDF, "extracting PDF text: %v", err)
	}
	return Normalize(sb.String()), nil
}
