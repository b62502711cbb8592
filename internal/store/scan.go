package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/model"
)

// Column lists shared by both backends. Scan order must match.
var (
	sourceColumns = []string{
		"id", "code", "name", "country", "region", "base_url", "scraper", "schedule",
		"is_active", "settings", "last_run_at", "created_at", "updated_at",
	}
	findingColumns = []string{
		"f.id", "f.source_id", "s.code", "f.external_id", "f.title", "f.source_url", "f.pdf_url",
		"f.date_published", "f.deceased_name", "f.date_of_death", "f.coroner", "f.categories",
		"f.content_html", "f.content_text", "f.pdf_text", "f.metadata", "f.priority", "f.status",
		"f.created_at", "f.updated_at",
	}
	analysisColumns = []string{
		"id", "finding_id", "prompt_version", "stage_status", "stage_records", "outputs",
		"tokens_in", "tokens_out", "cost_usd", "created_at", "updated_at", "completed_at",
	}
	postColumns = []string{
		"id", "analysis_id", "finding_id", "slug", "title", "content_markdown", "excerpt",
		"key_learnings", "tags", "status", "review_notes", "reviewed_by", "reviewed_at",
		"published_at", "created_at", "updated_at",
	}
	scrapeRunColumns = []string{
		"id", "source_id", "status", "summary", "error", "started_at", "completed_at",
	}
)

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var s model.Source
	var settings []byte
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Country, &s.Region, &s.BaseURL, &s.Scraper,
		&s.Schedule, &s.Active, &settings, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(settings, &s.Settings); err != nil {
		return nil, eris.Wrapf(err, "store: source %s settings", s.Code)
	}
	return &s, nil
}

func scanFinding(row scannable) (*model.Finding, error) {
	var f model.Finding
	var categories, metadata []byte
	err := row.Scan(&f.ID, &f.SourceID, &f.SourceCode, &f.ExternalID, &f.Title, &f.SourceURL,
		&f.PDFURL, &f.DatePublished, &f.DeceasedName, &f.DateOfDeath, &f.Coroner, &categories,
		&f.ContentHTML, &f.ContentText, &f.PDFText, &metadata, &f.Priority, &f.Status,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(categories, &f.Categories); err != nil {
		return nil, eris.Wrapf(err, "store: finding %s categories", f.ID)
	}
	if err := unmarshalJSON(metadata, &f.Metadata); err != nil {
		return nil, eris.Wrapf(err, "store: finding %s metadata", f.ID)
	}
	return &f, nil
}

func scanAnalysis(row scannable) (*model.Analysis, error) {
	var a model.Analysis
	var status, records, outputs []byte
	err := row.Scan(&a.ID, &a.FindingID, &a.PromptVersion, &status, &records, &outputs,
		&a.Usage.InputTokens, &a.Usage.OutputTokens, &a.Usage.Cost,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(status, &a.StageStatus); err != nil {
		return nil, eris.Wrapf(err, "store: analysis %s stage_status", a.ID)
	}
	if err := unmarshalJSON(records, &a.Records); err != nil {
		return nil, eris.Wrapf(err, "store: analysis %s stage_records", a.ID)
	}
	if err := unmarshalJSON(outputs, &a.Outputs); err != nil {
		return nil, eris.Wrapf(err, "store: analysis %s outputs", a.ID)
	}
	if a.StageStatus == nil {
		a.StageStatus = model.NewStageStatusMap()
	}
	if a.Records == nil {
		a.Records = make(map[model.Stage]model.StageRecord)
	}
	if a.Outputs == nil {
		a.Outputs = make(map[model.Stage]json.RawMessage)
	}
	return &a, nil
}

func scanPost(row scannable) (*model.Post, error) {
	var p model.Post
	var learnings, tags []byte
	err := row.Scan(&p.ID, &p.AnalysisID, &p.FindingID, &p.Slug, &p.Title, &p.ContentMarkdown,
		&p.Excerpt, &learnings, &tags, &p.Status, &p.ReviewNotes, &p.ReviewedBy, &p.ReviewedAt,
		&p.PublishedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(learnings, &p.KeyLearnings); err != nil {
		return nil, eris.Wrapf(err, "store: post %s key_learnings", p.ID)
	}
	if err := unmarshalJSON(tags, &p.Tags); err != nil {
		return nil, eris.Wrapf(err, "store: post %s tags", p.ID)
	}
	return &p, nil
}

func scanScrapeRun(row scannable) (*model.ScrapeRun, error) {
	var r model.ScrapeRun
	var summary []byte
	err := row.Scan(&r.ID, &r.SourceID, &r.Status, &summary, &r.Error, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(summary, &r.Summary); err != nil {
		return nil, eris.Wrapf(err, "store: scrape run %s summary", r.ID)
	}
	return &r, nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// analysisJSON marshals the JSON columns of an analysis.
func analysisJSON(a *model.Analysis) (status, records, outputs []byte, err error) {
	if status, err = json.Marshal(a.StageStatus); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal stage_status")
	}
	if records, err = json.Marshal(a.Records); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal stage_records")
	}
	if outputs, err = json.Marshal(a.Outputs); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal outputs")
	}
	return status, records, outputs, nil
}

func jsonOrEmpty(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}
