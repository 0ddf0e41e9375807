package export

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

const renderTimeout = 30 * time.Second

type renderFunc func(ctx context.Context, html string) ([]byte, error)

// Service renders notes into downloadable files.
type Service struct {
	pdf      renderFunc
	docx     renderFunc
	lookPath func(string) (string, error)
}

// NewService creates an export service backed by headless Chrome and pandoc.
func NewService() *Service {
	return &Service{
		pdf:      renderPDF,
		docx:     renderDOCX,
		lookPath: exec.LookPath,
	}
}

// Available reports which formats can be produced on this host.
func (s *Service) Available() []Format {
	formats := []Format{FormatHTML}
	if s.hasChrome() {
		formats = append(formats, FormatPDF)
	}
	if _, err := s.lookPath("pandoc"); err == nil {
		formats = append(formats, FormatDOCX)
	}
	return formats
}

// Export renders the note in the requested format.
func (s *Service) Export(ctx context.Context, note Note, format Format) (*Result, error) {
	page, err := RenderNoteHTML(note)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	name := fileStem(note.Title)

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: name + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		if !s.hasChrome() {
			return nil, fmt.Errorf("%w: chromium not installed", ErrDependencyMissing)
		}
		ctx, cancel := context.WithTimeout(ctx, renderTimeout)
		defer cancel()
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		if _, err := s.lookPath("pandoc"); err != nil {
			return nil, fmt.Errorf("%w: pandoc not installed", ErrDependencyMissing)
		}
		ctx, cancel := context.WithTimeout(ctx, renderTimeout)
		defer cancel()
		data, err := s.docx(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: name + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func (s *Service) hasChrome() bool {
	for _, bin := range []string{"chromium-browser", "chromium", "google-chrome"} {
		if _, err := s.lookPath(bin); err == nil {
			return true
		}
	}
	return false
}
