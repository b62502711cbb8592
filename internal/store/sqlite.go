package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/safety-monitor/internal/model"
)

// lite builds sqlite queries with ? placeholders.
var lite = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection serializes transactions
	// instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	region      TEXT NOT NULL DEFAULT '',
	base_url    TEXT NOT NULL DEFAULT '',
	scraper     TEXT NOT NULL,
	schedule    TEXT NOT NULL DEFAULT '0 6 * * *',
	is_active   BOOLEAN NOT NULL DEFAULT 1,
	settings    TEXT NOT NULL DEFAULT '{}',
	last_run_at DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS findings (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL REFERENCES sources(id),
	external_id    TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL DEFAULT '',
	pdf_url        TEXT NOT NULL DEFAULT '',
	date_published DATETIME,
	deceased_name  TEXT NOT NULL DEFAULT '',
	date_of_death  DATETIME,
	coroner        TEXT NOT NULL DEFAULT '',
	categories     TEXT NOT NULL DEFAULT '[]',
	content_html   TEXT NOT NULL DEFAULT '',
	content_text   TEXT NOT NULL DEFAULT '',
	pdf_text       TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	priority       BOOLEAN NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'new',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source_id, external_id)
);

CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	finding_id     TEXT NOT NULL REFERENCES findings(id),
	prompt_version TEXT NOT NULL,
	stage_status   TEXT NOT NULL,
	stage_records  TEXT NOT NULL DEFAULT '{}',
	outputs        TEXT NOT NULL DEFAULT '{}',
	tokens_in      INTEGER NOT NULL DEFAULT 0,
	tokens_out     INTEGER NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS posts (
	id               TEXT PRIMARY KEY,
	analysis_id      TEXT NOT NULL UNIQUE REFERENCES analyses(id),
	finding_id       TEXT NOT NULL REFERENCES findings(id),
	slug             TEXT NOT NULL,
	title            TEXT NOT NULL,
	content_markdown TEXT NOT NULL DEFAULT '',
	excerpt          TEXT NOT NULL DEFAULT '',
	key_learnings    TEXT NOT NULL DEFAULT '[]',
	tags             TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'draft',
	review_notes     TEXT NOT NULL DEFAULT '',
	reviewed_by      TEXT NOT NULL DEFAULT '',
	reviewed_at      DATETIME,
	published_at     DATETIME,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES sources(id),
	status       TEXT NOT NULL DEFAULT 'running',
	summary      TEXT NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status);
CREATE INDEX IF NOT EXISTS idx_findings_created_at ON findings(created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_finding ON analyses(finding_id, created_at);
CREATE INDEX IF NOT EXISTS idx_posts_status ON posts(status);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_source ON scrape_runs(source_id, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src *model.Source) error {
	settings, err := json.Marshal(src.Settings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal source settings")
	}
	now := time.Now().UTC()
	id := src.ID
	if id == "" {
		id = uuid.New().String()
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO sources (id, code, name, country, region, base_url, scraper, schedule, is_active, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET
		   name = excluded.name, country = excluded.country, region = excluded.region,
		   base_url = excluded.base_url, scraper = excluded.scraper, schedule = excluded.schedule,
		   is_active = excluded.is_active, settings = excluded.settings, updated_at = excluded.updated_at
		 RETURNING id, last_run_at`,
		id, src.Code, src.Name, src.Country, src.Region, src.BaseURL, src.Scraper, src.Schedule,
		src.Active, string(settings), now, now,
	).Scan(&src.ID, &src.LastRunAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert source %s", src.Code)
	}
	src.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, code string) (*model.Source, error) {
	query, args, err := lite.Select(sourceColumns...).From("sources").Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get source")
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("source", code)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", code)
	}
	return src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	b := lite.Select(sourceColumns...).From("sources").OrderBy("code")
	if activeOnly {
		b = b.Where(sq.Eq{"is_active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list sources")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) TouchSourceRun(ctx context.Context, sourceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), sourceID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch source %s", sourceID)
	}
	return checkRowsAffected(res, "source", sourceID)
}

func (s *SQLiteStore) InsertFindingIfAbsent(ctx context.Context, f *model.Finding) (InsertResult, error) {
	categories, err := jsonOrEmpty(f.Categories, "[]")
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "sqlite: marshal categories")
	}
	metadata, err := jsonOrEmpty(f.Metadata, "{}")
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "sqlite: marshal metadata")
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	status := f.Status
	if status == "" {
		status = model.FindingNew
	}

	var result InsertResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var insertedID string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO findings (id, source_id, external_id, title, source_url, pdf_url, date_published,
			   deceased_name, date_of_death, coroner, categories, content_html, content_text, pdf_text,
			   metadata, priority, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source_id, external_id) DO NOTHING
			 RETURNING id`,
			id, f.SourceID, f.ExternalID, f.Title, f.SourceURL, f.PDFURL, f.DatePublished,
			f.DeceasedName, f.DateOfDeath, f.Coroner, string(categories), f.ContentHTML, f.ContentText,
			f.PDFText, string(metadata), f.Priority, string(status), now, now,
		).Scan(&insertedID)
		if err == nil {
			result = InsertResult{Created: true, FindingID: insertedID}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: insert finding %s", f.ExternalID)
		}

		var existingID string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM findings WHERE source_id = ? AND external_id = ?`,
			f.SourceID, f.ExternalID,
		).Scan(&existingID); err != nil {
			return eris.Wrapf(err, "sqlite: fetch existing finding %s", f.ExternalID)
		}
		result = InsertResult{Created: false, FindingID: existingID}
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	if result.Created {
		f.ID, f.Status, f.CreatedAt, f.UpdatedAt = result.FindingID, status, now, now
	}
	return result, nil
}

func (s *SQLiteStore) FindingExists(ctx context.Context, sourceID, externalID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM findings WHERE source_id = ? AND external_id = ?)`,
		sourceID, externalID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check finding %s", externalID)
	}
	return exists, nil
}

func (s *SQLiteStore) GetFinding(ctx context.Context, id string) (*model.Finding, error) {
	query, args, err := lite.Select(findingColumns...).
		From("findings f").Join("sources s ON s.id = f.source_id").
		Where(sq.Eq{"f.id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get finding")
	}
	f, err := scanFinding(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("finding", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get finding %s", id)
	}
	return f, nil
}

func (s *SQLiteStore) ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error) {
	b := lite.Select(findingColumns...).
		From("findings f").Join("sources s ON s.id = f.source_id").
		OrderBy("f.priority DESC", "f.created_at ASC").
		Limit(listLimit(filter.Limit))
	if filter.SourceCode != "" {
		b = b.Where(sq.Eq{"s.code": filter.SourceCode})
	}
	if len(filter.Statuses) > 0 {
		b = b.Where(sq.Eq{"f.status": statusStrings(filter.Statuses)})
	}
	if filter.Priority != nil {
		b = b.Where(sq.Eq{"f.priority": *filter.Priority})
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list findings")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list findings iterate")
}

func (s *SQLiteStore) UpdateFindingStatus(ctx context.Context, id string, to model.FindingStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return liteTransitionFinding(ctx, tx, id, to)
	})
}

func liteTransitionFinding(ctx context.Context, tx *sql.Tx, id string, to model.FindingStatus) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM findings WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("finding", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read finding %s", id)
	}
	if model.FindingStatus(current) == to {
		return nil
	}
	if err := model.CheckFindingTransition(model.FindingStatus(current), to); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE findings SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update finding status %s", id)
	}
	return nil
}

func (s *SQLiteStore) AppendAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	status, records, outputs, err := analysisJSON(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, finding_id, prompt_version, stage_status, stage_records, outputs,
		   tokens_in, tokens_out, cost_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FindingID, a.PromptVersion, string(status), string(records), string(outputs),
		a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.Cost, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append analysis for finding %s", a.FindingID)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) UpdateStageStatus(ctx context.Context, u StageUpdate) error {
	a := u.Analysis
	status, records, outputs, err := analysisJSON(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if a.StageStatus.Complete() && a.CompletedAt == nil {
		a.CompletedAt = &now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analyses SET stage_status = ?, stage_records = ?, outputs = ?,
			   tokens_in = ?, tokens_out = ?, cost_usd = ?, updated_at = ?, completed_at = ?
			 WHERE id = ?`,
			string(status), string(records), string(outputs),
			a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.Cost, now, a.CompletedAt, a.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update stage %s of analysis %s", u.Stage, a.ID)
		}
		if err := checkRowsAffected(res, "analysis", a.ID); err != nil {
			return err
		}
		if u.FindingStatus != "" {
			if err := liteTransitionFinding(ctx, tx, a.FindingID, u.FindingStatus); err != nil {
				return err
			}
		}
		a.UpdatedAt = now
		return nil
	})
}

func (s *SQLiteStore) LatestAnalysis(ctx context.Context, findingID string) (*model.Analysis, error) {
	query, args, err := lite.Select(analysisColumns...).From("analyses").
		Where(sq.Eq{"finding_id": findingID}).OrderBy("created_at DESC", "rowid DESC").Limit(1).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build latest analysis")
	}
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest analysis for %s", findingID)
	}
	return a, nil
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, findingID string) ([]model.Analysis, error) {
	query, args, err := lite.Select(analysisColumns...).From("analyses").
		Where(sq.Eq{"finding_id": findingID}).OrderBy("created_at DESC", "rowid DESC").ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list analyses")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list analyses for %s", findingID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

func (s *SQLiteStore) CreateDraftPost(ctx context.Context, p *model.Post) (bool, error) {
	learnings, err := jsonOrEmpty(p.KeyLearnings, "[]")
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal key learnings")
	}
	tags, err := jsonOrEmpty(p.Tags, "[]")
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal tags")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts (id, analysis_id, finding_id, slug, title, content_markdown, excerpt,
		   key_learnings, tags, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (analysis_id) DO NOTHING`,
		p.ID, p.AnalysisID, p.FindingID, p.Slug, p.Title, p.ContentMarkdown, p.Excerpt,
		string(learnings), string(tags), string(model.PostDraft), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: create draft post for analysis %s", p.AnalysisID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	p.Status, p.CreatedAt, p.UpdatedAt = model.PostDraft, now, now
	return true, nil
}

type liteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return getLitePost(ctx, s.db, id)
}

func getLitePost(ctx context.Context, q liteQuerier, id string) (*model.Post, error) {
	query, args, err := lite.Select(postColumns...).From("posts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get post")
	}
	p, err := scanPost(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("post", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get post %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error) {
	b := lite.Select(postColumns...).From("posts").OrderBy("created_at DESC").Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list posts")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list posts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan post")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list posts iterate")
}

func (s *SQLiteStore) TransitionPost(ctx context.Context, id string, review model.Review) (*model.Post, error) {
	var updated *model.Post
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getLitePost(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := p.Status.Apply(review.Action)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		reviewedAt, publishedAt := reviewTimestamps(p, review.Action, now)
		reviewer := p.ReviewedBy
		if review.Reviewer != "" {
			reviewer = review.Reviewer
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET status = ?, review_notes = ?, reviewed_by = ?, reviewed_at = ?,
			   published_at = ?, updated_at = ? WHERE id = ?`,
			string(next), review.Notes, reviewer, reviewedAt, publishedAt, now, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: transition post %s", id)
		}
		if next == model.PostPublished {
			if err := liteTransitionFinding(ctx, tx, p.FindingID, model.FindingPublished); err != nil {
				return err
			}
		}

		p.Status, p.ReviewNotes, p.ReviewedBy = next, review.Notes, reviewer
		p.ReviewedAt, p.PublishedAt, p.UpdatedAt = reviewedAt, publishedAt, now
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) StartScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error) {
	r := &model.ScrapeRun{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.ScrapeRunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_runs (id, source_id, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.SourceID, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start scrape run for %s", sourceID)
	}
	return r, nil
}

func (s *SQLiteStore) CompleteScrapeRun(ctx context.Context, runID string, summary model.RunSummary) error {
	return s.finishScrapeRun(ctx, runID, model.ScrapeRunComplete, summary, "")
}

func (s *SQLiteStore) FailScrapeRun(ctx context.Context, runID string, summary model.RunSummary, msg string) error {
	return s.finishScrapeRun(ctx, runID, model.ScrapeRunFailed, summary, msg)
}

func (s *SQLiteStore) finishScrapeRun(ctx context.Context, runID string, status model.ScrapeRunStatus, summary model.RunSummary, msg string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(data), msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish scrape run %s", runID)
	}
	return checkRowsAffected(res, "scrape run", runID)
}

func (s *SQLiteStore) LastScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error) {
	query, args, err := lite.Select(scrapeRunColumns...).From("scrape_runs").
		Where(sq.Eq{"source_id": sourceID}).OrderBy("started_at DESC", "rowid DESC").Limit(1).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build last scrape run")
	}
	r, err := scanScrapeRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last scrape run for %s", sourceID)
	}
	return r, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		FindingsByStatus: make(map[model.FindingStatus]int),
		PostsByStatus:    make(map[model.PostStatus]int),
	}

	if err := s.countByStatus(ctx, `SELECT status, count(*) FROM findings GROUP BY status`, func(status string, n int) {
		st.FindingsByStatus[model.FindingStatus(status)] = n
	}); err != nil {
		return nil, eris.Wrap(err, "sqlite: finding stats")
	}
	if err := s.countByStatus(ctx, `SELECT status, count(*) FROM posts GROUP BY status`, func(status string, n int) {
		st.PostsByStatus[model.PostStatus(status)] = n
	}); err != nil {
		return nil, eris.Wrap(err, "sqlite: post stats")
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0.0) FROM analyses`,
	).Scan(&st.Analyses, &st.Usage.InputTokens, &st.Usage.OutputTokens, &st.Usage.Cost)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: analysis stats")
	}
	return st, nil
}

func (s *SQLiteStore) countByStatus(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		fn(status, n)
	}
	return rows.Err()
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
