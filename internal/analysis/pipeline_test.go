package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safety-monitor/internal/llm"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

const (
	classifyOK     = `{"is_healthcare": true, "confidence": 0.92, "reasoning": "Hospital discharge failure."}`
	classifyLow    = `{"is_healthcare": true, "confidence": 0.4, "reasoning": "Unclear."}`
	classifyNotHC  = `{"is_healthcare": false, "confidence": 0.95, "reasoning": "Road traffic collision."}`
	extractOK      = `{"summary": "Patient discharged without follow-up.", "parties_involved": ["Ward 7"], "sequence_of_events": ["Admitted", "Discharged"], "coroner_recommendations": ["Review discharge policy"], "healthcare_context": {"settings": ["acute"], "specialties": ["general medicine"]}}`
	humanFactorsOK = `{"individual": [], "team": [{"factor": "Handover", "description": "Discharge plan not communicated.", "severity": "High"}], "task": [], "technology": [], "environment": [], "organizational": [], "latent_hazards": [{"hazard": "No discharge checklist", "domain": "organizational", "potential_for_future_harm": "Repeat omissions"}], "improvement_opportunities": [{"recommendation": "Introduce checklist", "target_domain": "task", "priority": "high"}]}`
	synthesizeOK   = `{"executive_summary": "A missed follow-up after discharge.", "key_learnings": ["Close the loop on discharge", "Use checklists"]}`
	generateOK     = "Here is the post:\n```json\n{\"title\": \"Closing the Loop on Hospital Discharge\", \"content_markdown\": \"## What happened\\n...\", \"excerpt\": \"A discharge without follow-up.\", \"tags\": [\"discharge\", \"handover\"]}\n```"
)

// fakeLLM answers each stage with a scripted response.
type fakeLLM struct {
	mu      sync.Mutex
	respond func(req llm.Request, call int) (string, error)
	calls   map[string]int
	prompts map[string][]string
}

func newFakeLLM(respond func(req llm.Request, call int) (string, error)) *fakeLLM {
	return &fakeLLM{respond: respond, calls: map[string]int{}, prompts: map[string][]string{}}
}

func (f *fakeLLM) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls[req.Stage]++
	n := f.calls[req.Stage]
	f.prompts[req.Stage] = append(f.prompts[req.Stage], req.Prompt)
	f.mu.Unlock()

	text, err := f.respond(req, n)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Text:         text,
		Provider:     "claude",
		Model:        "claude-sonnet-4-5-20250929",
		InputTokens:  100,
		OutputTokens: 50,
		Cost:         0.001,
		Attempts:     1,
	}, nil
}

func (f *fakeLLM) count(stage model.Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(stage)]
}

func (f *fakeLLM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func happy(req llm.Request, _ int) (string, error) {
	switch model.Stage(req.Stage) {
	case model.StageClassify:
		return classifyOK, nil
	case model.StageExtract:
		return extractOK, nil
	case model.StageHumanFactors:
		return humanFactorsOK, nil
	case model.StageSynthesize:
		return synthesizeOK, nil
	case model.StageGenerate:
		return generateOK, nil
	}
	return "", errors.New("unexpected stage " + req.Stage)
}

// override answers stage with text and every other stage happily.
func override(stage model.Stage, text string) func(llm.Request, int) (string, error) {
	return func(req llm.Request, n int) (string, error) {
		if model.Stage(req.Stage) == stage {
			return text, nil
		}
		return happy(req, n)
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	return opts
}

func newTestStore(t *testing.T) (store.Store, string) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "analysis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	src := &model.Source{Code: "uk_pfd", Name: "PFD", BaseURL: "https://example.org", Scraper: "uk_pfd", Active: true}
	require.NoError(t, st.UpsertSource(context.Background(), src))
	return st, src.ID
}

func insertFinding(t *testing.T, st store.Store, sourceID, externalID, text string) string {
	t.Helper()
	res, err := st.InsertFindingIfAbsent(context.Background(), &model.Finding{
		SourceID:    sourceID,
		ExternalID:  externalID,
		Title:       "Regulation 28 report " + externalID,
		SourceURL:   "https://example.org/" + externalID,
		ContentText: text,
		Status:      model.FindingNew,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.FindingID
}

func TestRun_FullPipeline(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "jane-doe-2026-0001", "The patient was discharged from hospital without follow-up.")
	fake := newFakeLLM(happy)

	p := New(st, fake, testOptions())
	a, err := p.Run(context.Background(), id)
	require.NoError(t, err)

	for _, s := range model.Stages {
		assert.Equal(t, model.StageSucceeded, a.StageStatus[s], s)
		assert.Equal(t, 1, fake.count(s), s)
		assert.Equal(t, "claude", a.Records[s].Provider)
	}
	assert.True(t, a.Valid())
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, 500, a.Usage.InputTokens)
	assert.Equal(t, 250, a.Usage.OutputTokens)
	assert.InDelta(t, 0.005, a.Usage.Cost, 1e-9)
	assert.Equal(t, "1.0.0", a.PromptVersion)

	var hf model.HumanFactorsResult
	require.NoError(t, a.Decode(model.StageHumanFactors, &hf))
	require.Len(t, hf.Team, 1)
	assert.Equal(t, model.SeverityHigh, hf.Team[0].Severity)
	assert.Equal(t, model.DomainOrganisational, hf.LatentHazards[0].Domain)

	f, err := st.GetFinding(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.FindingAnalysed, f.Status)

	posts, err := st.ListPosts(context.Background(), model.PostFilter{})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	post := posts[0]
	assert.Equal(t, model.PostDraft, post.Status)
	assert.Equal(t, a.ID, post.AnalysisID)
	assert.Equal(t, "Closing the Loop on Hospital Discharge", post.Title)
	assert.Equal(t, "closing-the-loop-on-hospital-discharge-"+id[:8], post.Slug)
	assert.Equal(t, []string{"Close the loop on discharge", "Use checklists"}, post.KeyLearnings)
	assert.Equal(t, []string{"discharge", "handover"}, post.Tags)

	stored, err := st.LatestAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
	assert.True(t, stored.StageStatus.Complete())
}

func TestRun_CompletedAnalysisIsIdempotent(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	fake := newFakeLLM(happy)
	p := New(st, fake, testOptions())

	first, err := p.Run(context.Background(), id)
	require.NoError(t, err)
	second, err := p.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5, fake.total())

	posts, err := st.ListPosts(context.Background(), model.PostFilter{})
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestRun_LowConfidenceExcludes(t *testing.T) {
	for name, text := range map[string]string{"low_confidence": classifyLow, "not_healthcare": classifyNotHC} {
		t.Run(name, func(t *testing.T) {
			st, srcID := newTestStore(t)
			id := insertFinding(t, st, srcID, "a", "A collision on the motorway.")
			fake := newFakeLLM(override(model.StageClassify, text))

			a, err := New(st, fake, testOptions()).Run(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, model.StageSucceeded, a.StageStatus[model.StageClassify])
			for _, s := range model.Stages[1:] {
				assert.Equal(t, model.StageSkipped, a.StageStatus[s], s)
			}
			assert.Equal(t, 1, fake.total())

			f, err := st.GetFinding(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, model.FindingExcluded, f.Status)

			posts, err := st.ListPosts(context.Background(), model.PostFilter{})
			require.NoError(t, err)
			assert.Empty(t, posts)
		})
	}
}

func TestRun_UnparsableStageHaltsAndPersists(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	fake := newFakeLLM(override(model.StageExtract, "I'm sorry, I can't help with that."))

	a, err := New(st, fake, testOptions()).Run(context.Background(), id)
	require.Error(t, err)

	var ve *StageValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, model.StageExtract, ve.Stage)

	// One initial call plus three corrective retries.
	assert.Equal(t, 4, fake.count(model.StageExtract))
	assert.Equal(t, 0, fake.count(model.StageHumanFactors))

	stored, err := st.LatestAnalysis(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, a.ID, stored.ID)
	assert.Equal(t, model.StageSucceeded, stored.StageStatus[model.StageClassify])
	assert.Equal(t, model.StageFailed, stored.StageStatus[model.StageExtract])
	assert.Equal(t, model.StagePending, stored.StageStatus.Get(model.StageHumanFactors))
	assert.NotEmpty(t, stored.Records[model.StageExtract].Error)
	assert.Equal(t, 4, stored.Records[model.StageExtract].Attempts)
	assert.True(t, stored.Valid())
	// Usage of failed attempts is still accounted.
	assert.Equal(t, 500, stored.Usage.InputTokens)

	f, err := st.GetFinding(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.FindingClassified, f.Status)

	posts, err := st.ListPosts(context.Background(), model.PostFilter{})
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestRun_RepairInstructionRecovers(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	fake := newFakeLLM(func(req llm.Request, n int) (string, error) {
		if model.Stage(req.Stage) == model.StageSynthesize && n == 1 {
			return `{"executive_summary": ""}`, nil
		}
		return happy(req, n)
	})

	a, err := New(st, fake, testOptions()).Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StageSucceeded, a.StageStatus[model.StageSynthesize])
	assert.Equal(t, 2, fake.count(model.StageSynthesize))
	assert.Equal(t, 2, a.Records[model.StageSynthesize].Attempts)

	prompts := fake.prompts[string(model.StageSynthesize)]
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "could not be used")
	assert.Contains(t, prompts[1], "executive_summary is empty")
}

func TestRun_ResumesFromFirstIncompleteStage(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")

	broken := newFakeLLM(override(model.StageHumanFactors, "not json"))
	p := New(st, broken, testOptions())
	first, err := p.Run(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, model.StageFailed, first.StageStatus[model.StageHumanFactors])

	fixed := newFakeLLM(happy)
	p = New(st, fixed, testOptions())
	second, err := p.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, fixed.count(model.StageClassify))
	assert.Equal(t, 0, fixed.count(model.StageExtract))
	assert.Equal(t, 1, fixed.count(model.StageHumanFactors))
	assert.True(t, second.StageStatus.Complete())

	analyses, err := st.ListAnalyses(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, analyses, 1)
}

func TestRun_PromptVersionBumpAppendsAnalysis(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")

	_, err := New(st, newFakeLLM(happy), testOptions()).Run(context.Background(), id)
	require.NoError(t, err)

	opts := testOptions()
	opts.PromptVersion = "1.1.0"
	a, err := New(st, newFakeLLM(happy), opts).Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", a.PromptVersion)

	analyses, err := st.ListAnalyses(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, analyses, 2)

	f, err := st.GetFinding(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.FindingAnalysed, f.Status)
}

func TestRun_GatewayFailureMarksStageFailed(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	fake := newFakeLLM(func(req llm.Request, n int) (string, error) {
		if model.Stage(req.Stage) == model.StageExtract {
			return "", &llm.Error{Kind: llm.ProviderUnavailable, Provider: "openai", Err: errors.New("503")}
		}
		return happy(req, n)
	})

	a, err := New(st, fake, testOptions()).Run(context.Background(), id)
	require.Error(t, err)
	assert.True(t, llm.IsKind(err, llm.ProviderUnavailable))
	assert.Equal(t, 1, fake.count(model.StageExtract))
	assert.Equal(t, model.StageFailed, a.StageStatus[model.StageExtract])
	assert.Equal(t, "openai", a.Records[model.StageExtract].Provider)
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := newFakeLLM(func(req llm.Request, n int) (string, error) {
		if model.Stage(req.Stage) == model.StageClassify {
			cancel()
		}
		return happy(req, n)
	})

	a, err := New(st, fake, testOptions()).Run(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fake.total())

	stored, err := st.LatestAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
	assert.Equal(t, model.StageSucceeded, stored.StageStatus[model.StageClassify])
	assert.Equal(t, model.StagePending, stored.StageStatus.Get(model.StageExtract))
}

func TestRun_FindingBusy(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	p := New(st, newFakeLLM(happy), testOptions())

	require.True(t, p.locks.TryLock(id))
	_, err := p.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrFindingBusy)
	p.locks.Unlock(id)

	_, err = p.Run(context.Background(), id)
	assert.NoError(t, err)
}

func TestRun_ExcludedFindingNotAnalysable(t *testing.T) {
	st, srcID := newTestStore(t)
	id := insertFinding(t, st, srcID, "a", "hospital")
	require.NoError(t, st.UpdateFindingStatus(context.Background(), id, model.FindingExcluded))

	fake := newFakeLLM(happy)
	_, err := New(st, fake, testOptions()).Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotAnalysable)
	assert.Equal(t, 0, fake.total())
}

func TestRun_UnknownFinding(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := New(st, newFakeLLM(happy), testOptions()).Run(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunPending(t *testing.T) {
	st, srcID := newTestStore(t)
	good := insertFinding(t, st, srcID, "good", "The patient was admitted to hospital.")
	road := insertFinding(t, st, srcID, "road", "ROADTRAFFIC collision")
	bad := insertFinding(t, st, srcID, "bad", "BROKEN extraction")
	done := insertFinding(t, st, srcID, "done", "hospital")
	require.NoError(t, st.UpdateFindingStatus(context.Background(), done, model.FindingExcluded))

	fake := newFakeLLM(func(req llm.Request, n int) (string, error) {
		switch {
		case model.Stage(req.Stage) == model.StageClassify && strings.Contains(req.Prompt, "ROADTRAFFIC"):
			return classifyNotHC, nil
		case model.Stage(req.Stage) == model.StageExtract && strings.Contains(req.Prompt, "BROKEN"):
			return "no", nil
		}
		return happy(req, n)
	})

	summary, err := New(st, fake, testOptions()).RunPending(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Excluded)
	assert.Equal(t, 1, summary.Failed)
	assert.Positive(t, summary.Usage.Cost)

	for id, want := range map[string]model.FindingStatus{
		good: model.FindingAnalysed,
		road: model.FindingExcluded,
		bad:  model.FindingClassified,
	} {
		f, err := st.GetFinding(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, f.Status, id)
	}
}

func TestRunPending_Limit(t *testing.T) {
	st, srcID := newTestStore(t)
	for _, ext := range []string{"a", "b", "c"} {
		insertFinding(t, st, srcID, ext, "hospital")
	}
	fake := newFakeLLM(happy)

	summary, err := New(st, fake, testOptions()).RunPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, fake.count(model.StageClassify))
}
