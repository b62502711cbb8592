package source

// DefaultPFDCategories are the judiciary.uk report categories treated as
// healthcare related when the source does not configure its own.
var DefaultPFDCategories = []string{
	"Hospital Death (Clinical)",
	"Hospital Death (Other)",
	"Medical cause",
	"Community health care and emergency services related deaths",
	"Mental health related deaths",
	"Emergency services related deaths",
}

var pfdSelectors = map[string]string{
	SelListContainer: "article.pfd_single, .card",
	SelTitle:         "h2 a, h3 a, .card__link",
	SelDate:          ".pfd_meta_date, .card__date",
	SelSummary:       ".card__description, p",
	SelCategories:    ".pfd_meta_categories a, .card__category",
	SelCoroner:       ".pfd_meta_coroner",
	SelPagination:    ".pagination a.next, a.next",
	SelContent:       ".entry-content, .flow",
	SelPDFLink:       "a[href$='.pdf'], a[href*='.pdf']",
	SelDeceasedName:  ".pfd_meta_deceased",
	SelDateOfDeath:   ".pfd_meta_dod",
	SelAddressee:     ".pfd_meta_addressee",
	SelPageParam:     "paged",
}

// NewUKPFDAdapter returns the adapter for the UK Prevention of Future
// Deaths report archive: numbered pagination via ?paged=N, ids taken from
// the last segment of the report URL, and a healthcare category flag.
func NewUKPFDAdapter(b *Base) *HTMLAdapter {
	wanted := b.Source.Settings.Categories
	if len(wanted) == 0 {
		wanted = DefaultPFDCategories
	}
	return &HTMLAdapter{
		Base:     b,
		defaults: pfdSelectors,
		externalID: func(item ItemSummary) string {
			return ExternalID(LastPathSegment(item.URL))
		},
		annotate: func(doc *RawDocument) {
			doc.Metadata["healthcare_category"] = MatchCategories(doc.Item.Categories, wanted)
		},
	}
}
