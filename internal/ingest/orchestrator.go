// Package ingest drives one source adapter through a complete scrape run.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/dedupe"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/source"
	"github.com/sells-group/safety-monitor/internal/store"
)

// State is the position of a run in its lifecycle.
type State string

// Run states. A run moves Idle → Listing → FetchingPage → (Listing …) and
// ends in Done or FailedAfterRetries.
const (
	StateIdle               State = "idle"
	StateListing            State = "listing"
	StateFetchingPage       State = "fetching_page"
	StateDone               State = "done"
	StateFailedAfterRetries State = "failed_after_retries"
)

// DefaultMaxPages caps pagination when neither the source nor the
// orchestrator configures a ceiling.
const DefaultMaxPages = 10

// Result describes a finished run.
type Result struct {
	RunID      string
	SourceCode string
	State      State
	// Page is the last listing page reached.
	Page     int
	Summary  model.RunSummary
	Err      error
	Duration time.Duration
}

// Orchestrator runs scrapes. It is safe for concurrent use across
// different sources; the scheduler guarantees one run per source.
type Orchestrator struct {
	store    store.Store
	dedupe   *dedupe.Deduplicator
	adapters *source.Registry
	opts     source.Options
	maxPages int
	now      func() time.Time
}

// New creates an Orchestrator. maxPages applies when a source does not set
// its own limit.
func New(st store.Store, adapters *source.Registry, opts source.Options, maxPages int) *Orchestrator {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Orchestrator{
		store:    st,
		dedupe:   dedupe.New(st),
		adapters: adapters,
		opts:     opts,
		maxPages: maxPages,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// run holds the mutable state of one execution.
type run struct {
	src       model.Source
	adapter   source.Adapter
	prefilter *source.Prefilter
	log       *zap.Logger
	res       *Result
}

func (r *run) enter(s State) {
	r.res.State = s
	r.log.Debug("ingest: state", zap.String("state", string(s)), zap.Int("page", r.res.Page))
}

// Run scrapes src once. Item failures are counted and logged; the run fails
// only when the first listing page cannot be obtained or ctx is cancelled.
// A successful run updates the source's last_run_at.
func (o *Orchestrator) Run(ctx context.Context, src model.Source) (*Result, error) {
	start := time.Now()
	r := &run{
		src:       src,
		prefilter: source.NewPrefilter(src.Settings.Keywords),
		log:       zap.L().With(zap.String("component", "ingest"), zap.String("source", src.Code)),
		res:       &Result{SourceCode: src.Code, State: StateIdle},
	}

	adapter, err := o.adapters.New(src, o.opts)
	if err != nil {
		r.res.State = StateFailedAfterRetries
		r.res.Err = err
		return r.res, eris.Wrapf(err, "ingest: build adapter for %s", src.Code)
	}
	r.adapter = adapter

	sr, err := o.store.StartScrapeRun(ctx, src.ID)
	if err != nil {
		return r.res, eris.Wrapf(err, "ingest: start run for %s", src.Code)
	}
	r.res.RunID = sr.ID
	r.log = r.log.With(zap.String("run_id", sr.ID))
	r.log.Info("ingest: run started")

	runErr := o.paginate(ctx, r)
	r.res.Duration = time.Since(start)

	// The run log must record an outcome even if ctx was cancelled.
	logCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		r.enter(StateFailedAfterRetries)
		r.res.Err = runErr
		if err := o.store.FailScrapeRun(logCtx, sr.ID, r.res.Summary, runErr.Error()); err != nil {
			r.log.Error("ingest: failed to record run failure", zap.Error(err))
		}
		r.log.Error("ingest: run failed",
			zap.Error(runErr),
			zap.Any("summary", r.res.Summary),
			zap.Duration("elapsed", r.res.Duration),
		)
		return r.res, runErr
	}

	r.enter(StateDone)
	if err := o.store.CompleteScrapeRun(logCtx, sr.ID, r.res.Summary); err != nil {
		r.log.Error("ingest: failed to record run completion", zap.Error(err))
	}
	if err := o.store.TouchSourceRun(logCtx, src.ID, o.now()); err != nil {
		r.log.Error("ingest: failed to update last_run_at", zap.Error(err))
	}
	r.log.Info("ingest: run complete",
		zap.Int("pages", r.res.Summary.Pages),
		zap.Int("scanned", r.res.Summary.Scanned),
		zap.Int("new", r.res.Summary.New),
		zap.Int("duplicate", r.res.Summary.Duplicate),
		zap.Int("failed", r.res.Summary.Failed),
		zap.Duration("elapsed", r.res.Duration),
	)
	return r.res, nil
}

func (o *Orchestrator) maxPagesFor(src model.Source) int {
	if src.Settings.MaxPages > 0 {
		return src.Settings.MaxPages
	}
	return o.maxPages
}

func (o *Orchestrator) paginate(ctx context.Context, r *run) error {
	limit := o.maxPagesFor(r.src)
	cursor := source.FirstPage()

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "ingest: cancelled")
		}
		r.res.Page = n
		r.enter(StateListing)

		page, err := r.adapter.ListItems(ctx, cursor)
		if err != nil {
			if n == 1 {
				return eris.Wrap(err, "ingest: listing failed")
			}
			// Later pages only shorten the run.
			r.log.Warn("ingest: listing page failed, stopping pagination",
				zap.Int("page", n),
				zap.Error(err),
			)
			return nil
		}
		r.res.Summary.Pages++

		r.enter(StateFetchingPage)
		for _, item := range page.Items {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "ingest: cancelled")
			}
			o.processItem(ctx, r, item)
		}

		if page.Done() {
			return nil
		}
		if n >= limit {
			r.log.Info("ingest: max_pages reached", zap.Int("max_pages", limit))
			return nil
		}
		cursor = *page.Next
	}
}

// processItem fetches, enriches and stores one item. Every failure is
// contained here.
func (o *Orchestrator) processItem(ctx context.Context, r *run, item source.ItemSummary) {
	r.res.Summary.Scanned++
	ilog := r.log.With(
		zap.String("external_id", item.ExternalID),
		zap.String("url", item.URL),
	)

	defer func() {
		if p := recover(); p != nil {
			r.res.Summary.Failed++
			ilog.Error("ingest: item panicked", zap.String("panic", fmt.Sprint(p)))
		}
	}()

	// Known items skip the detail fetch and PDF work. A failed check falls
	// through to the full path.
	known, err := o.dedupe.Known(ctx, r.src.ID, item.ExternalID)
	if err != nil {
		ilog.Warn("ingest: existence check failed", zap.Error(err))
	} else if known {
		r.res.Summary.Duplicate++
		return
	}

	doc, err := r.adapter.FetchDetail(ctx, item)
	if err != nil {
		r.res.Summary.Failed++
		ilog.Warn("ingest: item fetch failed", zap.Error(err))
		return
	}

	f := doc.Finding(r.src.ID)
	o.extractPDF(ctx, r, doc, f, ilog)

	hits := r.prefilter.Match(f.Title, item.Summary, strings.Join(item.Categories, " "))
	if len(hits) > 0 {
		f.Priority = true
		f.Metadata["keyword_hits"] = hits
	}

	// An item whose detail was fetched is stored even if the run is
	// cancelled meanwhile; cancellation takes effect before the next item.
	out, err := o.dedupe.ExistsOrCreate(context.WithoutCancel(ctx), f)
	if err != nil {
		r.res.Summary.Failed++
		ilog.Warn("ingest: item store failed", zap.Error(err))
		return
	}
	if out.Created {
		r.res.Summary.New++
		ilog.Debug("ingest: new finding", zap.String("finding_id", out.FindingID), zap.Bool("priority", f.Priority))
	} else {
		r.res.Summary.Duplicate++
	}
}

// extractPDF fills f.PDFText. Failures degrade the finding rather than
// failing the item and are recorded in metadata.
func (o *Orchestrator) extractPDF(ctx context.Context, r *run, doc *source.RawDocument, f *model.Finding, log *zap.Logger) {
	if doc.PDFError != "" {
		f.Metadata["pdf_error"] = doc.PDFError
		return
	}
	if len(doc.PDF) == 0 {
		return
	}
	text, err := r.adapter.ExtractPDFText(ctx, doc.PDF)
	if err != nil {
		log.Warn("ingest: pdf extraction failed", zap.Error(err))
		f.Metadata["pdf_error"] = err.Error()
		return
	}
	f.PDFText = text
}
