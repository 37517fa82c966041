// Package extract turns uploaded files into plain text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	apperrors "rag-chatbot/internal/errors"
)

// File types accepted for upload, keyed by extension.
var contentTypes = map[string]string{
	"txt":  "text/plain",
	"md":   "text/markdown",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":  "application/vnd.oasis.opendocument.text",
	"rtf":  "application/rtf",
	"html": "text/html",
	"xml":  "text/xml",
}

var aliases = map[string]string{
	"text":     "txt",
	"markdown": "md",
	"htm":      "html",
}

// Extractor picks a text extraction strategy by file type.
type Extractor struct {
	readability bool
}

func New(readability bool) *Extractor {
	return &Extractor{readability: readability}
}

// NormalizeFileType resolves a declared type, a MIME type or the file name extension to a
// supported short type such as "pdf".
func NormalizeFileType(declared, fileName string) (string, error) {
	candidate := strings.ToLower(strings.TrimSpace(declared))
	if candidate == "" {
		candidate = strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	}
	candidate = strings.TrimPrefix(candidate, ".")
	if alias, ok := aliases[candidate]; ok {
		candidate = alias
	}
	if _, ok := contentTypes[candidate]; ok {
		return candidate, nil
	}
	for short, mime := range contentTypes {
		if candidate == mime {
			return short, nil
		}
	}
	return "", apperrors.InvalidInput(fmt.Sprintf("unsupported file type %q", candidate))
}

// ContentType returns the MIME type of a normalized file type.
func ContentType(fileType string) string {
	if ct, ok := contentTypes[fileType]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Extract returns the sanitized text of data. A document with no extractable text is invalid input.
func (e *Extractor) Extract(ctx context.Context, data []byte, fileType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fileType, err := NormalizeFileType(fileType, "")
	if err != nil {
		return "", err
	}

	var text string
	switch fileType {
	case "txt", "md":
		if !utf8.Valid(data) {
			return "", apperrors.InvalidInput("text file is not valid UTF-8")
		}
		text = string(data)
	case "pdf":
		text, err = extractPDF(data)
	default:
		text, err = e.convert(data, ContentType(fileType))
	}
	if err != nil {
		return "", apperrors.InvalidInput(fmt.Sprintf("extract %s text: %v", fileType, err))
	}

	text = Sanitize(text)
	if text == "" {
		return "", apperrors.InvalidInput("document contains no extractable text")
	}
	return text, nil
}

// extractPDF recovers from parser panics on malformed files.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("copy pdf text: %w", err)
	}
	return buf.String(), nil
}

func (e *Extractor) convert(data []byte, contentType string) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), contentType, e.readability)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

// Sanitize drops NUL bytes and other control characters except common whitespace.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			b.WriteRune(ch)
			continue
		}
		if ch < 0x20 || ch == utf8.RuneError {
			continue
		}
		b.WriteRune(ch)
	}
	return strings.TrimSpace(b.String())
}
