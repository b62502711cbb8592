package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safety-monitor/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetSource_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, code, name, .* FROM sources WHERE code = \$1`).
		WithArgs("uk_pfd").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSource(context.Background(), "uk_pfd")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertFindingIfAbsent_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO findings .* ON CONFLICT \(source_id, external_id\) DO NOTHING`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("f-1"))

	f := &model.Finding{SourceID: "s-1", ExternalID: "doc-1", Title: "Doc"}
	res, err := s.InsertFindingIfAbsent(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "f-1", res.FindingID)
	assert.Equal(t, model.FindingNew, f.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertFindingIfAbsent_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO findings`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM findings WHERE source_id = \$1 AND external_id = \$2`).
		WithArgs("s-1", "doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("f-existing"))

	res, err := s.InsertFindingIfAbsent(context.Background(), &model.Finding{SourceID: "s-1", ExternalID: "doc-1"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "f-existing", res.FindingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindingExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM findings WHERE source_id = \$1 AND external_id = \$2\)`).
		WithArgs("s-1", "doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("s-1", "doc-2").
		WillReturnError(errors.New("connection reset"))

	ok, err := s.FindingExists(context.Background(), "s-1", "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.FindingExists(context.Background(), "s-1", "doc-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check finding doc-2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertFindingIfAbsent_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO findings`).WillReturnError(errors.New("connection reset"))

	_, err := s.InsertFindingIfAbsent(context.Background(), &model.Finding{SourceID: "s-1", ExternalID: "doc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert finding doc-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TouchSourceRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sources SET last_run_at`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.TouchSourceRun(context.Background(), "missing", testTime())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateFindingStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM findings WHERE id = \$1 FOR UPDATE`).
		WithArgs("f-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("new"))
	mock.ExpectExec(`UPDATE findings SET status = \$1`).
		WithArgs("classified", pgxmock.AnyArg(), "f-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateFindingStatus(context.Background(), "f-1", model.FindingClassified))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStageStatus_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	a := model.NewAnalysis("a-1", "f-1", "1.0.0")
	a.StageStatus[model.StageClassify] = model.StageSucceeded

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analyses SET stage_status`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT status FROM findings`).
		WithArgs("f-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("new"))
	mock.ExpectRollback()

	err := s.UpdateStageStatus(context.Background(), StageUpdate{
		Analysis: a, Stage: model.StageClassify, FindingStatus: model.FindingPublished,
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStageStatus_MissingAnalysis(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analyses`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.UpdateStageStatus(context.Background(), StageUpdate{
		Analysis: model.NewAnalysis("a-missing", "f-1", "1.0.0"), Stage: model.StageClassify,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDraftPost_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO posts .* ON CONFLICT \(analysis_id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.CreateDraftPost(context.Background(), &model.Post{AnalysisID: "a-1", FindingID: "f-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionPost_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, analysis_id, .* FROM posts WHERE id = \$1 FOR UPDATE`).
		WithArgs("p-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.TransitionPost(context.Background(), "p-1", model.Review{Action: model.ActionSubmit})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestAnalysis_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analyses WHERE finding_id = \$1 ORDER BY created_at DESC LIMIT 1`).
		WithArgs("f-1").
		WillReturnError(pgx.ErrNoRows)

	a, err := s.LatestAnalysis(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSources_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM sources WHERE is_active = \$1 ORDER BY code`).
		WithArgs(true).
		WillReturnError(errors.New("timeout"))

	_, err := s.ListSources(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list sources")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishScrapeRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scrape_runs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "boom", pgxmock.AnyArg(), "r-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailScrapeRun(context.Background(), "r-1", model.RunSummary{}, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	called := false
	s := &PostgresStore{closeFn: func() { called = true }}
	require.NoError(t, s.Close())
	assert.True(t, called)
}

func testTime() time.Time {
	return time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC)
}
