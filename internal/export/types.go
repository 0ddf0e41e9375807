// Package export renders notes to HTML, PDF and DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts html, pdf and docx. An empty value means html.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF, FormatDOCX:
		return Format(value), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Note is the exported view of a note.
type Note struct {
	ID            string
	Title         string
	Content       string // editor JSON or plain text
	Author        string
	WorkspaceName string
	UpdatedAt     time.Time
	Mentions      []Mention
}

// Mention is a resolved reference from a note to another entity.
type Mention struct {
	Type  string
	Label string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrDependencyMissing means the renderer binary (Chrome, pandoc) is not installed.
	ErrDependencyMissing = errors.New("export dependency missing")
)
