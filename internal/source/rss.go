package source

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"
)

// RSSAdapter lists items from an RSS or Atom feed at the source's base URL.
// Feeds are a single page; detail pages are scraped with the HTML content
// selectors.
type RSSAdapter struct {
	*HTMLAdapter
	parser *gofeed.Parser
}

// NewRSSAdapter returns a feed-driven adapter.
func NewRSSAdapter(b *Base) *RSSAdapter {
	return &RSSAdapter{
		HTMLAdapter: NewHTMLAdapter(b),
		parser:      gofeed.NewParser(),
	}
}

// ListItems implements Adapter. The feed has no pagination, so the
// returned page is always the last one.
func (a *RSSAdapter) ListItems(ctx context.Context, _ Cursor) (Page, error) {
	body, err := a.Fetcher.Get(ctx, a.Source.BaseURL)
	if err != nil {
		return Page{}, eris.Wrapf(err, "source: fetch feed %s", a.Source.Code)
	}
	feed, err := a.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, eris.Wrapf(err, "source: parse feed %s", a.Source.Code)
	}

	var page Page
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		link := strings.TrimSpace(it.Link)
		title := CleanText(it.Title)
		if title == "" || link == "" {
			continue
		}
		item := ItemSummary{
			Title:         title,
			URL:           resolveURL(a.Source.BaseURL, link),
			Summary:       stripHTML(it.Description),
			DatePublished: it.PublishedParsed,
			Categories:    it.Categories,
		}
		if item.DatePublished == nil {
			item.DatePublished = it.UpdatedParsed
		}
		for _, enc := range it.Enclosures {
			if enc != nil && (enc.Type == "application/pdf" || isPDFURL(enc.URL)) {
				item.PDFURL = resolveURL(item.URL, enc.URL)
				break
			}
		}
		if isPDFURL(item.URL) {
			item.PDFURL = item.URL
		}

		id := strings.TrimSpace(it.GUID)
		if id == "" || strings.Contains(id, "://") {
			id = LastPathSegment(item.URL)
		}
		item.ExternalID = ExternalID(id)
		if item.ExternalID == "" {
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return CleanText(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return CleanText(s)
	}
	return CleanText(doc.Text())
}
