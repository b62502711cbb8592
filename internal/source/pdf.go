package source

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
)

// PDFExtractionError reports that a document's PDF could not be turned into
// text. It is never fatal to an item: the finding is stored with whatever
// page text exists and the error is recorded in its metadata.
type PDFExtractionError struct {
	URL string
	Err error
}

func (e *PDFExtractionError) Error() string {
	if e.URL == "" {
		return "pdf extraction: " + e.Err.Error()
	}
	return "pdf extraction " + e.URL + ": " + e.Err.Error()
}

func (e *PDFExtractionError) Unwrap() error {
	return e.Err
}

// PDFExtractor turns PDF bytes into plain text.
type PDFExtractor interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}

// PdfToText validates a PDF with pdfcpu and extracts its text with the
// pdftotext CLI.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout over data and returns stdout.
func (p *PdfToText) ExtractText(ctx context.Context, data []byte) (string, error) {
	pages, err := PageCount(data)
	if err != nil {
		return "", err
	}
	if pages == 0 {
		return "", eris.New("pdf has no pages")
	}

	f, err := os.CreateTemp("", "finding-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "create temp pdf")
	}
	defer os.Remove(f.Name()) //nolint:errcheck
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrap(err, "write temp pdf")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "close temp pdf")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", f.Name(), "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "pdftotext failed: %s", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// PageCount parses data as a PDF and returns its page count.
func PageCount(data []byte) (int, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF")) {
		return 0, eris.New("not a pdf document")
	}
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, eris.Wrap(err, "read pdf")
	}
	return n, nil
}
