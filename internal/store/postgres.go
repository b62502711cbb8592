package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/db"
	"github.com/sells-group/safety-monitor/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// psql builds postgres queries with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	dsn     string
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, dsn: connString, closeFn: pool.Close}, nil
}

// Migrate applies the embedded schema migrations with golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	return MigratePostgres(s.dsn)
}

// MigratePostgres applies all pending up migrations to the database at dsn.
func MigratePostgres(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: migration source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return eris.Wrap(err, "postgres: create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate up")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertSource(ctx context.Context, src *model.Source) error {
	settings, err := json.Marshal(src.Settings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source settings")
	}
	now := time.Now().UTC()
	id := src.ID
	if id == "" {
		id = uuid.New().String()
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO sources (id, code, name, country, region, base_url, scraper, schedule, is_active, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (code) DO UPDATE SET
		   name = EXCLUDED.name, country = EXCLUDED.country, region = EXCLUDED.region,
		   base_url = EXCLUDED.base_url, scraper = EXCLUDED.scraper, schedule = EXCLUDED.schedule,
		   is_active = EXCLUDED.is_active, settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
		 RETURNING id, last_run_at`,
		id, src.Code, src.Name, src.Country, src.Region, src.BaseURL, src.Scraper, src.Schedule,
		src.Active, settings, now,
	).Scan(&src.ID, &src.LastRunAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert source %s", src.Code)
	}
	src.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, code string) (*model.Source, error) {
	query, args, err := psql.Select(sourceColumns...).From("sources").Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get source")
	}
	src, err := scanSource(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("source", code)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", code)
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	b := psql.Select(sourceColumns...).From("sources").OrderBy("code")
	if activeOnly {
		b = b.Where(sq.Eq{"is_active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list sources")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) TouchSourceRun(ctx context.Context, sourceID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET last_run_at = $1, updated_at = $1 WHERE id = $2`,
		at.UTC(), sourceID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch source %s", sourceID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("source", sourceID)
	}
	return nil
}

// InsertFindingIfAbsent relies on the (source_id, external_id) unique
// constraint: concurrent inserts of the same document resolve to one row.
func (s *PostgresStore) InsertFindingIfAbsent(ctx context.Context, f *model.Finding) (InsertResult, error) {
	categories, err := jsonOrEmpty(f.Categories, "[]")
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "postgres: marshal categories")
	}
	metadata, err := jsonOrEmpty(f.Metadata, "{}")
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "postgres: marshal metadata")
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	status := f.Status
	if status == "" {
		status = model.FindingNew
	}

	var insertedID string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO findings (id, source_id, external_id, title, source_url, pdf_url, date_published,
		   deceased_name, date_of_death, coroner, categories, content_html, content_text, pdf_text,
		   metadata, priority, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
		 ON CONFLICT (source_id, external_id) DO NOTHING
		 RETURNING id`,
		id, f.SourceID, f.ExternalID, f.Title, f.SourceURL, f.PDFURL, f.DatePublished,
		f.DeceasedName, f.DateOfDeath, f.Coroner, categories, f.ContentHTML, f.ContentText, f.PDFText,
		metadata, f.Priority, string(status), now,
	).Scan(&insertedID)
	if err == nil {
		f.ID, f.Status, f.CreatedAt, f.UpdatedAt = insertedID, status, now, now
		return InsertResult{Created: true, FindingID: insertedID}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return InsertResult{}, eris.Wrapf(err, "postgres: insert finding %s", f.ExternalID)
	}

	var existingID string
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM findings WHERE source_id = $1 AND external_id = $2`,
		f.SourceID, f.ExternalID,
	).Scan(&existingID)
	if err != nil {
		return InsertResult{}, eris.Wrapf(err, "postgres: fetch existing finding %s", f.ExternalID)
	}
	return InsertResult{Created: false, FindingID: existingID}, nil
}

func (s *PostgresStore) FindingExists(ctx context.Context, sourceID, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM findings WHERE source_id = $1 AND external_id = $2)`,
		sourceID, externalID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check finding %s", externalID)
	}
	return exists, nil
}

func (s *PostgresStore) GetFinding(ctx context.Context, id string) (*model.Finding, error) {
	query, args, err := psql.Select(findingColumns...).
		From("findings f").Join("sources s ON s.id = f.source_id").
		Where(sq.Eq{"f.id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get finding")
	}
	f, err := scanFinding(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("finding", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get finding %s", id)
	}
	return f, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error) {
	b := psql.Select(findingColumns...).
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
		return nil, eris.Wrap(err, "postgres: build list findings")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list findings iterate")
}

func (s *PostgresStore) UpdateFindingStatus(ctx context.Context, id string, to model.FindingStatus) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return pgTransitionFinding(ctx, tx, id, to)
	})
}

// pgTransitionFinding locks the finding row and applies a checked status
// change. Moving to the current status is a no-op.
func pgTransitionFinding(ctx context.Context, tx pgx.Tx, id string, to model.FindingStatus) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM findings WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("finding", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock finding %s", id)
	}
	if model.FindingStatus(current) == to {
		return nil
	}
	if err := model.CheckFindingTransition(model.FindingStatus(current), to); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE findings SET status = $1, updated_at = $2 WHERE id = $3`,
		string(to), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: update finding status %s", id)
	}
	return nil
}

func (s *PostgresStore) AppendAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	status, records, outputs, err := analysisJSON(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, finding_id, prompt_version, stage_status, stage_records, outputs,
		   tokens_in, tokens_out, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		a.ID, a.FindingID, a.PromptVersion, status, records, outputs,
		a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.Cost, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append analysis for finding %s", a.FindingID)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) UpdateStageStatus(ctx context.Context, u StageUpdate) error {
	a := u.Analysis
	status, records, outputs, err := analysisJSON(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if a.StageStatus.Complete() && a.CompletedAt == nil {
		a.CompletedAt = &now
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE analyses SET stage_status = $1, stage_records = $2, outputs = $3,
			   tokens_in = $4, tokens_out = $5, cost_usd = $6, updated_at = $7, completed_at = $8
			 WHERE id = $9`,
			status, records, outputs, a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.Cost,
			now, a.CompletedAt, a.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update stage %s of analysis %s", u.Stage, a.ID)
		}
		if tag.RowsAffected() == 0 {
			return notFound("analysis", a.ID)
		}
		if u.FindingStatus != "" {
			if err := pgTransitionFinding(ctx, tx, a.FindingID, u.FindingStatus); err != nil {
				return err
			}
		}
		a.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) LatestAnalysis(ctx context.Context, findingID string) (*model.Analysis, error) {
	query, args, err := psql.Select(analysisColumns...).From("analyses").
		Where(sq.Eq{"finding_id": findingID}).OrderBy("created_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build latest analysis")
	}
	a, err := scanAnalysis(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest analysis for %s", findingID)
	}
	return a, nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, findingID string) ([]model.Analysis, error) {
	query, args, err := psql.Select(analysisColumns...).From("analyses").
		Where(sq.Eq{"finding_id": findingID}).OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list analyses")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list analyses for %s", findingID)
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

// CreateDraftPost inserts a draft for an analysis. It returns false when the
// analysis already owns a post.
func (s *PostgresStore) CreateDraftPost(ctx context.Context, p *model.Post) (bool, error) {
	learnings, err := jsonOrEmpty(p.KeyLearnings, "[]")
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal key learnings")
	}
	tags, err := jsonOrEmpty(p.Tags, "[]")
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal tags")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO posts (id, analysis_id, finding_id, slug, title, content_markdown, excerpt,
		   key_learnings, tags, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (analysis_id) DO NOTHING`,
		p.ID, p.AnalysisID, p.FindingID, p.Slug, p.Title, p.ContentMarkdown, p.Excerpt,
		learnings, tags, string(model.PostDraft), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: create draft post for analysis %s", p.AnalysisID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	p.Status, p.CreatedAt, p.UpdatedAt = model.PostDraft, now, now
	return true, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return s.getPost(ctx, s.pool, id, false)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getPost(ctx context.Context, q pgQuerier, id string, lock bool) (*model.Post, error) {
	b := psql.Select(postColumns...).From("posts").Where(sq.Eq{"id": id})
	if lock {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get post")
	}
	p, err := scanPost(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("post", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get post %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error) {
	b := psql.Select(postColumns...).From("posts").OrderBy("created_at DESC").Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list posts")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list posts")
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan post")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list posts iterate")
}

// TransitionPost applies a review action. Publishing also moves the owning
// finding to published in the same transaction.
func (s *PostgresStore) TransitionPost(ctx context.Context, id string, review model.Review) (*model.Post, error) {
	var updated *model.Post
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.getPost(ctx, tx, id, true)
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

		if _, err := tx.Exec(ctx,
			`UPDATE posts SET status = $1, review_notes = $2, reviewed_by = $3, reviewed_at = $4,
			   published_at = $5, updated_at = $6 WHERE id = $7`,
			string(next), review.Notes, reviewer, reviewedAt, publishedAt, now, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: transition post %s", id)
		}
		if next == model.PostPublished {
			if err := pgTransitionFinding(ctx, tx, p.FindingID, model.FindingPublished); err != nil {
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

func (s *PostgresStore) StartScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error) {
	r := &model.ScrapeRun{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.ScrapeRunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_runs (id, source_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.SourceID, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start scrape run for %s", sourceID)
	}
	return r, nil
}

func (s *PostgresStore) CompleteScrapeRun(ctx context.Context, runID string, summary model.RunSummary) error {
	return s.finishScrapeRun(ctx, runID, model.ScrapeRunComplete, summary, "")
}

func (s *PostgresStore) FailScrapeRun(ctx context.Context, runID string, summary model.RunSummary, msg string) error {
	return s.finishScrapeRun(ctx, runID, model.ScrapeRunFailed, summary, msg)
}

func (s *PostgresStore) finishScrapeRun(ctx context.Context, runID string, status model.ScrapeRunStatus, summary model.RunSummary, msg string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_runs SET status = $1, summary = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), data, msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish scrape run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scrape run", runID)
	}
	return nil
}

func (s *PostgresStore) LastScrapeRun(ctx context.Context, sourceID string) (*model.ScrapeRun, error) {
	query, args, err := psql.Select(scrapeRunColumns...).From("scrape_runs").
		Where(sq.Eq{"source_id": sourceID}).OrderBy("started_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build last scrape run")
	}
	r, err := scanScrapeRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last scrape run for %s", sourceID)
	}
	return r, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		FindingsByStatus: make(map[model.FindingStatus]int),
		PostsByStatus:    make(map[model.PostStatus]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM findings GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: finding stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan finding stats")
		}
		st.FindingsByStatus[model.FindingStatus(status)] = n
	}
	rows.Close()

	rows, err = s.pool.Query(ctx, `SELECT status, count(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: post stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan post stats")
		}
		st.PostsByStatus[model.PostStatus(status)] = n
	}
	rows.Close()

	err = s.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0) FROM analyses`,
	).Scan(&st.Analyses, &st.Usage.InputTokens, &st.Usage.OutputTokens, &st.Usage.Cost)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: analysis stats")
	}
	return st, nil
}
