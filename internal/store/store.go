// Package store is the storage boundary of the pipeline. Backends provide
// insert-if-absent semantics for findings and transactional stage updates
// for analyses.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// InsertResult reports the outcome of InsertFindingIfAbsent.
type InsertResult struct {
	Created   bool
	FindingID string
}

// StageUpdate persists the state of an Analysis after one stage ran. When
// FindingStatus is set the owning finding moves to it in the same
// transaction; the move must be a legal lifecycle transition.
type StageUpdate struct {
	Analysis      *model.Analysis
	Stage         model.Stage
	FindingStatus model.FindingStatus
}

// Stats is an aggregate snapshot used for operational status.
type Stats struct {
	FindingsByStatus map[model.FindingStatus]int `json:"findings_by_status"`
	PostsByStatus    map[model.PostStatus]int    `json:"posts_by_status"`
	Analyses         int                         `json:"analyses"`
	Usage            model.TokenUsage            `json:"usage"`
}

// Store defines the persistence interface for the ingestion and analysis
// pipeline.
type Store interface {
	// Sources
	UpsertSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, code string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	TouchSourceRun(ctx context.Context, sourceID string, at time.Time) error

	// Findings
	InsertFindingIfAbsent(ctx context.Context, f *model.Finding) (InsertResult, error)
	FindingExists(ctx context.Context, sourceID, externalID string) (bool, error)
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error)
	UpdateFindingStatus(ctx context.Context, id string, to model.FindingStatus) error

	// Analyses
	AppendAnalysis(ctx context.Context, a *model.Analysis) error
	UpdateStageStatus(ctx context.Context, u StageUpdate) error
	LatestAnalysis(ctx context.Context, findingID string) (*model.Analysis, error)
	ListAnalyses(ctx context.Context, findingID string) ([]model.Analysis, error)

	// Posts
	CreateDraftPost(ctx context.Context, p *model.Post) (bool, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error)
	TransitionPost(ctx context.Context, id string, review model.Review) (*model.Post, error)

	// Scrape runs
	StartScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error)
	CompleteScrapeRun(ctx context.Context, runID string, summary model.RunSummary) error
	FailScrapeRun(ctx context.Context, runID string, summary model.RunSummary, msg string) error
	LastScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error)

	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

// listLimit clamps a requested page size.
func listLimit(limit int) uint64 {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return uint64(limit)
}

func statusStrings(statuses []model.FindingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// reviewTimestamps returns the reviewed_at / published_at values to write
// for a post transition.
func reviewTimestamps(p *model.Post, action model.ReviewAction, now time.Time) (reviewedAt, publishedAt *time.Time) {
	reviewedAt, publishedAt = p.ReviewedAt, p.PublishedAt
	switch action {
	case model.ActionApprove, model.ActionReject, model.ActionRequestChanges:
		reviewedAt = &now
	case model.ActionPublish:
		publishedAt = &now
	}
	return reviewedAt, publishedAt
}
