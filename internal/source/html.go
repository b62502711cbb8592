package source

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Adapter kinds understood by DefaultRegistry.
const (
	KindHTML  = "html"
	KindUKPFD = "uk_pfd"
	KindRSS   = "rss"
)

// Selector keys read from SourceSettings.Selectors.
const (
	SelListContainer = "list_container"
	SelTitle         = "title"
	SelLink          = "link"
	SelDate          = "date"
	SelSummary       = "summary"
	SelCategories    = "categories"
	SelCoroner       = "coroner"
	SelPagination    = "pagination"
	SelContent       = "content"
	SelPDFLink       = "pdf_link"
	SelDeceasedName  = "deceased_name"
	SelDateOfDeath   = "date_of_death"
	SelAddressee     = "addressee"
	// SelPageParam names a query parameter used for numbered pagination
	// (e.g. "paged"). When absent the "next" link is followed instead.
	SelPageParam = "page_param"
)

var defaultHTMLSelectors = map[string]string{
	SelListContainer: "article",
	SelTitle:         "h2 a, h3 a",
	SelDate:          "time, .date",
	SelSummary:       "p",
	SelCategories:    ".categories a, .tags a",
	SelCoroner:       ".coroner",
	SelPagination:    "a.next, a[rel=next]",
	SelContent:       ".entry-content, article, main",
	SelPDFLink:       "a[href$='.pdf'], a[href*='.pdf']",
	SelDeceasedName:  ".deceased",
	SelDateOfDeath:   ".date-of-death",
	SelAddressee:     ".addressee",
}

// HTMLAdapter scrapes listing and detail pages with CSS selectors taken
// from the source settings, falling back to its defaults.
type HTMLAdapter struct {
	*Base
	defaults map[string]string
	// externalID derives the dedupe key for a listed item.
	externalID func(item ItemSummary) string
	// annotate may add adapter-specific metadata to a document.
	annotate func(doc *RawDocument)
}

// NewHTMLAdapter returns the generic selector-driven adapter.
func NewHTMLAdapter(b *Base) *HTMLAdapter {
	return &HTMLAdapter{
		Base:       b,
		defaults:   defaultHTMLSelectors,
		externalID: genericExternalID,
	}
}

func genericExternalID(item ItemSummary) string {
	if seg := LastPathSegment(item.URL); seg != "" {
		return ExternalID(seg)
	}
	date := ""
	if item.DatePublished != nil {
		date = item.DatePublished.Format("2006-01-02")
	}
	return ExternalID(item.Title, date)
}

func (a *HTMLAdapter) sel(key string) string {
	return a.Source.Settings.Selector(key, a.defaults[key])
}

func (a *HTMLAdapter) pageURL(page int) string {
	param := a.sel(SelPageParam)
	if page <= 1 || param == "" {
		return a.Source.BaseURL
	}
	u, err := url.Parse(a.Source.BaseURL)
	if err != nil {
		return a.Source.BaseURL
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// ListItems implements Adapter.
func (a *HTMLAdapter) ListItems(ctx context.Context, cursor Cursor) (Page, error) {
	if cursor.Page < 1 {
		cursor.Page = 1
	}
	pageURL := cursor.URL
	if pageURL == "" {
		pageURL = a.pageURL(cursor.Page)
	}

	body, err := a.Fetcher.Get(ctx, pageURL)
	if err != nil {
		return Page{}, eris.Wrapf(err, "source: list %s page %d", a.Source.Code, cursor.Page)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, eris.Wrapf(err, "source: parse %s listing", a.Source.Code)
	}

	var page Page
	doc.Find(a.sel(SelListContainer)).Each(func(_ int, s *goquery.Selection) {
		item, ok := a.parseListItem(pageURL, s)
		if !ok {
			zap.L().Debug("source: skipping listing entry without title or link",
				zap.String("source", a.Source.Code),
				zap.Int("page", cursor.Page),
			)
			return
		}
		page.Items = append(page.Items, item)
	})

	next := doc.Find(a.sel(SelPagination)).First()
	if next.Length() > 0 && len(page.Items) > 0 {
		if a.sel(SelPageParam) != "" {
			page.Next = &Cursor{Page: cursor.Page + 1}
		} else if href, ok := next.Attr("href"); ok && href != "" {
			if nextURL := resolveURL(pageURL, href); nextURL != pageURL {
				page.Next = &Cursor{Page: cursor.Page + 1, URL: nextURL}
			}
		}
	}
	return page, nil
}

func (a *HTMLAdapter) parseListItem(pageURL string, s *goquery.Selection) (ItemSummary, bool) {
	titleSel := s.Find(a.sel(SelTitle)).First()
	title := CleanText(titleSel.Text())

	href := ""
	if linkKey := a.sel(SelLink); linkKey != "" {
		href, _ = s.Find(linkKey).First().Attr("href")
	}
	if href == "" {
		href, _ = titleSel.Attr("href")
	}
	if href == "" {
		href, _ = titleSel.Find("a").First().Attr("href")
	}
	if title == "" || href == "" {
		return ItemSummary{}, false
	}

	item := ItemSummary{
		Title:   title,
		URL:     resolveURL(pageURL, href),
		Summary: CleanText(s.Find(a.sel(SelSummary)).First().Text()),
		Coroner: StripLabel(s.Find(a.sel(SelCoroner)).First().Text(), "Coroner"),
	}
	dateSel := s.Find(a.sel(SelDate)).First()
	if dt, ok := dateSel.Attr("datetime"); ok {
		item.DatePublished = ParseUKDate(firstN(dt, 10))
	}
	if item.DatePublished == nil {
		item.DatePublished = ParseUKDate(StripLabel(dateSel.Text(), "Date of report", "Date", "Published"))
	}
	s.Find(a.sel(SelCategories)).Each(func(_ int, c *goquery.Selection) {
		if txt := CleanText(c.Text()); txt != "" {
			item.Categories = append(item.Categories, txt)
		}
	})
	if isPDFURL(item.URL) {
		item.PDFURL = item.URL
	}
	item.ExternalID = a.externalID(item)
	return item, item.ExternalID != ""
}

// FetchDetail implements Adapter.
func (a *HTMLAdapter) FetchDetail(ctx context.Context, item ItemSummary) (*RawDocument, error) {
	doc := &RawDocument{Item: item, PDFURL: item.PDFURL, Metadata: map[string]any{}}
	if item.URL != item.PDFURL {
		body, err := a.Fetcher.Get(ctx, item.URL)
		if err != nil {
			return nil, eris.Wrapf(err, "source: fetch %s", item.URL)
		}
		if err := a.parseDetail(body, doc); err != nil {
			return nil, err
		}
	}
	if a.annotate != nil {
		a.annotate(doc)
	}
	a.attachPDF(ctx, doc)
	return doc, nil
}

func (a *HTMLAdapter) parseDetail(body []byte, doc *RawDocument) error {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "source: parse detail %s", doc.Item.URL)
	}
	return a.fillDetail(page, doc)
}

func (a *HTMLAdapter) fillDetail(page *goquery.Document, doc *RawDocument) error {
	content := page.Find(a.sel(SelContent)).First()
	if content.Length() == 0 {
		content = page.Find("body")
	}
	html, err := content.Html()
	if err != nil {
		return eris.Wrapf(err, "source: render detail %s", doc.Item.URL)
	}
	doc.ContentHTML = strings.TrimSpace(html)
	doc.ContentText = CleanText(content.Text())

	if doc.PDFURL == "" {
		if href, ok := page.Find(a.sel(SelPDFLink)).First().Attr("href"); ok {
			doc.PDFURL = resolveURL(doc.Item.URL, href)
		}
	}
	doc.DeceasedName = StripLabel(page.Find(a.sel(SelDeceasedName)).First().Text(), "Deceased name", "Deceased", "Name")
	doc.DateOfDeath = ParseUKDate(StripLabel(page.Find(a.sel(SelDateOfDeath)).First().Text(), "Date of death"))
	if doc.Item.Coroner == "" {
		doc.Coroner = StripLabel(page.Find(a.sel(SelCoroner)).First().Text(), "Coroner name", "Coroner")
	}
	if addressee := StripLabel(page.Find(a.sel(SelAddressee)).First().Text(), "Sent to", "Addressee"); addressee != "" {
		doc.Metadata["addressee"] = addressee
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
