// Package dedupe decides whether a scraped item is new. The decision is
// made by the store in one atomic insert-if-absent, so concurrent runs of
// the same source can never both create a finding for one external id.
package dedupe

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

// Outcome is the result of ExistsOrCreate.
type Outcome struct {
	Created   bool
	FindingID string
}

// Deduplicator wraps the store's insert-if-absent primitive.
type Deduplicator struct {
	store store.Store
}

// New returns a Deduplicator backed by st.
func New(st store.Store) *Deduplicator {
	return &Deduplicator{store: st}
}

// Known reports whether a finding for (sourceID, externalID) is already
// stored. It lets callers skip expensive fetches; ExistsOrCreate stays the
// authority on whether an item is new.
func (d *Deduplicator) Known(ctx context.Context, sourceID, externalID string) (bool, error) {
	ok, err := d.store.FindingExists(ctx, sourceID, externalID)
	if err != nil {
		return false, eris.Wrapf(err, "dedupe: check %s/%s", sourceID, externalID)
	}
	return ok, nil
}

// ExistsOrCreate stores f unless a finding with the same (source, external
// id) already exists. Existing findings are left untouched.
func (d *Deduplicator) ExistsOrCreate(ctx context.Context, f *model.Finding) (Outcome, error) {
	if f.SourceID == "" || f.ExternalID == "" {
		return Outcome{}, eris.New("dedupe: finding needs source id and external id")
	}
	if f.Status == "" {
		f.Status = model.FindingNew
	}
	res, err := d.store.InsertFindingIfAbsent(ctx, f)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "dedupe: insert %s/%s", f.SourceID, f.ExternalID)
	}
	return Outcome{Created: res.Created, FindingID: res.FindingID}, nil
}
