// Package source implements the per-site scraping contract. Each adapter
// lists items page by page, fetches item detail and extracts PDF text;
// every network call goes through the adapter's rate-limited Fetcher.
package source

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/model"
)

// Cursor addresses one listing page. Page is 1-based; URL, when set, is the
// exact page to fetch (e.g. a followed "next" link).
type Cursor struct {
	Page int
	URL  string
}

// FirstPage is the cursor a run starts from.
func FirstPage() Cursor {
	return Cursor{Page: 1}
}

// ItemSummary is one entry of a listing page.
type ItemSummary struct {
	ExternalID    string
	Title         string
	URL           string
	Summary       string
	PDFURL        string
	DatePublished *time.Time
	Categories    []string
	Coroner       string
}

// Page is the result of one ListItems call. A nil Next means the listing
// is exhausted.
type Page struct {
	Items []ItemSummary
	Next  *Cursor
}

// Done reports whether no further page exists.
func (p Page) Done() bool {
	return p.Next == nil
}

// RawDocument is the fetched detail of one item. PDF holds the downloaded
// document bytes when a PDF link was found; a failed download is recorded
// in PDFError rather than returned.
type RawDocument struct {
	Item         ItemSummary
	ContentHTML  string
	ContentText  string
	PDFURL       string
	PDF          []byte
	PDFError     string
	DeceasedName string
	DateOfDeath  *time.Time
	Coroner      string
	Metadata     map[string]any
}

// Finding converts the document into a new Finding owned by sourceID.
func (d *RawDocument) Finding(sourceID string) *model.Finding {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	if d.Item.Summary != "" {
		meta["summary"] = d.Item.Summary
	}
	coroner := d.Coroner
	if coroner == "" {
		coroner = d.Item.Coroner
	}
	return &model.Finding{
		SourceID:      sourceID,
		ExternalID:    d.Item.ExternalID,
		Title:         d.Item.Title,
		SourceURL:     d.Item.URL,
		PDFURL:        d.PDFURL,
		DatePublished: d.Item.DatePublished,
		DeceasedName:  d.DeceasedName,
		DateOfDeath:   d.DateOfDeath,
		Coroner:       coroner,
		Categories:    d.Item.Categories,
		ContentHTML:   d.ContentHTML,
		ContentText:   d.ContentText,
		Metadata:      meta,
		Status:        model.FindingNew,
	}
}

// Adapter is the capability set every source variant provides.
type Adapter interface {
	// ListItems returns the items of the page addressed by cursor.
	ListItems(ctx context.Context, cursor Cursor) (Page, error)

	// FetchDetail retrieves the full document for one listed item.
	FetchDetail(ctx context.Context, item ItemSummary) (*RawDocument, error)

	// ExtractPDFText converts PDF bytes to text. Failures are
	// *PDFExtractionError.
	ExtractPDFText(ctx context.Context, pdf []byte) (string, error)
}

// Base carries what every adapter variant shares.
type Base struct {
	Source  model.Source
	Fetcher *Fetcher
	PDF     PDFExtractor
}

// ExtractPDFText implements Adapter.
func (b *Base) ExtractPDFText(ctx context.Context, pdf []byte) (string, error) {
	if b.PDF == nil {
		return "", &PDFExtractionError{Err: eris.New("no pdf extractor configured")}
	}
	text, err := b.PDF.ExtractText(ctx, pdf)
	if err != nil {
		return "", &PDFExtractionError{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &PDFExtractionError{Err: eris.New("no text layer")}
	}
	return text, nil
}

// attachPDF downloads doc.PDFURL into doc.PDF. Download failures are kept on
// the document so the item can still be stored.
func (b *Base) attachPDF(ctx context.Context, doc *RawDocument) {
	if doc.PDFURL == "" {
		return
	}
	data, err := b.Fetcher.Get(ctx, doc.PDFURL)
	if err != nil {
		zap.L().Warn("source: pdf download failed",
			zap.String("source", b.Source.Code),
			zap.String("url", doc.PDFURL),
			zap.Error(err),
		)
		doc.PDFError = err.Error()
		return
	}
	doc.PDF = data
}

func isPDFURL(u string) bool {
	u = strings.ToLower(u)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".pdf")
}
