package source

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/model"
)

// Options are the process-wide defaults an adapter is built with. Source
// settings override the request delay.
type Options struct {
	Fetch FetchOptions
	PDF   PDFExtractor
}

// Constructor builds one adapter variant for a source.
type Constructor func(base *Base) (Adapter, error)

// Registry maps adapter kinds (the source's scraper field) to constructors.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindHTML, func(b *Base) (Adapter, error) { return NewHTMLAdapter(b), nil })
	r.Register(KindUKPFD, func(b *Base) (Adapter, error) { return NewUKPFDAdapter(b), nil })
	r.Register(KindRSS, func(b *Base) (Adapter, error) { return NewRSSAdapter(b), nil })
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.ctors[kind] = ctor
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter for src.
func (r *Registry) New(src model.Source, opts Options) (Adapter, error) {
	ctor, ok := r.ctors[src.Scraper]
	if !ok {
		return nil, eris.Errorf("source: unknown scraper %q for %s (valid: %v)", src.Scraper, src.Code, r.Kinds())
	}
	if src.BaseURL == "" {
		return nil, eris.Errorf("source: %s has no base_url", src.Code)
	}

	fetch := opts.Fetch
	if src.Settings.RequestDelayMs > 0 {
		fetch.Delay = time.Duration(src.Settings.RequestDelayMs) * time.Millisecond
	}
	base := &Base{
		Source:  src,
		Fetcher: NewFetcher(fetch),
		PDF:     opts.PDF,
	}
	return ctor(base)
}
