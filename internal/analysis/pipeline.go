// Package analysis runs the five-stage LLM analysis over stored findings.
// Every stage result is persisted as it completes so that a failed or
// cancelled run can be resumed from the first stage that did not succeed.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/safety-monitor/internal/keylock"
	"github.com/sells-group/safety-monitor/internal/llm"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

var (
	// ErrFindingBusy is returned when another run holds the finding.
	ErrFindingBusy = eris.New("analysis: finding is already being analysed")
	// ErrNotAnalysable is returned for excluded and published findings.
	ErrNotAnalysable = eris.New("analysis: finding is not eligible for analysis")
)

// Invoker is the LLM call surface used by the pipeline.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Options configures a Pipeline.
type Options struct {
	// ClassificationThreshold is the minimum classify confidence for a
	// finding to continue past the classify stage.
	ClassificationThreshold float64
	// RepairAttempts is how many times an unparsable stage response is
	// re-requested with a corrective instruction.
	RepairAttempts int
	PromptVersion  string
	// Workers bounds concurrent findings in RunPending.
	Workers int
	// CreativeTemperature is used for the generate_content stage.
	CreativeTemperature float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ClassificationThreshold: 0.7,
		RepairAttempts:          3,
		PromptVersion:           "1.0.0",
		Workers:                 2,
		CreativeTemperature:     0.7,
	}
}

// Pipeline advances Analyses for findings.
type Pipeline struct {
	store store.Store
	llm   Invoker
	locks *keylock.Set
	opts  Options
}

// New creates a Pipeline.
func New(st store.Store, invoker Invoker, opts Options) *Pipeline {
	if opts.RepairAttempts < 0 {
		opts.RepairAttempts = 0
	}
	if opts.PromptVersion == "" {
		opts.PromptVersion = "1.0.0"
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Pipeline{
		store: st,
		llm:   invoker,
		locks: keylock.New(),
		opts:  opts,
	}
}

// Run executes the pipeline for one finding. It resumes the latest Analysis
// for the current prompt version when one is incomplete, and otherwise
// appends a new one. The returned Analysis reflects everything persisted,
// including on error.
func (p *Pipeline) Run(ctx context.Context, findingID string) (*model.Analysis, error) {
	if !p.locks.TryLock(findingID) {
		return nil, eris.Wrapf(ErrFindingBusy, "finding %s", findingID)
	}
	defer p.locks.Unlock(findingID)

	log := zap.L().With(zap.String("finding_id", findingID))

	f, err := p.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: load finding %s", findingID)
	}
	if f.Status == model.FindingExcluded || f.Status == model.FindingPublished {
		return nil, eris.Wrapf(ErrNotAnalysable, "finding %s is %s", findingID, f.Status)
	}

	a, err := p.prepare(ctx, f)
	if err != nil {
		return nil, err
	}

	if a.StageStatus.Complete() {
		if err := p.createDraft(ctx, f, a); err != nil {
			return a, err
		}
		return a, nil
	}

	start, _ := a.StageStatus.FirstIncomplete()
	log.Info("analysis: starting", zap.String("analysis_id", a.ID), zap.String("from_stage", string(start)))

	for _, stage := range model.Stages[start.Index():] {
		if err := ctx.Err(); err != nil {
			log.Info("analysis: cancelled before stage", zap.String("stage", string(stage)))
			return a, eris.Wrapf(err, "analysis: cancelled before %s", stage)
		}

		done, err := p.runStage(ctx, f, a, stage)
		if err != nil {
			log.Error("analysis: stage failed",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return a, err
		}
		if done {
			log.Info("analysis: finding excluded after classification", zap.String("analysis_id", a.ID))
			return a, nil
		}
	}

	if err := p.createDraft(ctx, f, a); err != nil {
		return a, err
	}

	log.Info("analysis: complete",
		zap.String("analysis_id", a.ID),
		zap.Int("input_tokens", a.Usage.InputTokens),
		zap.Int("output_tokens", a.Usage.OutputTokens),
		zap.Float64("cost_usd", a.Usage.Cost),
	)
	return a, nil
}

// prepare returns the Analysis to advance: the latest one when it belongs to
// the current prompt version and can still make progress, otherwise a new
// appended record.
func (p *Pipeline) prepare(ctx context.Context, f *model.Finding) (*model.Analysis, error) {
	latest, err := p.store.LatestAnalysis(ctx, f.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: latest analysis for %s", f.ID)
	}
	if latest != nil && latest.PromptVersion == p.opts.PromptVersion && !hasSkipped(latest) {
		if latest.StageStatus == nil {
			latest.StageStatus = model.NewStageStatusMap()
		}
		if latest.Outputs == nil {
			latest.Outputs = make(map[model.Stage]json.RawMessage)
		}
		if latest.Records == nil {
			latest.Records = make(map[model.Stage]model.StageRecord)
		}
		return latest, nil
	}

	a := model.NewAnalysis(uuid.New().String(), f.ID, p.opts.PromptVersion)
	if err := p.store.AppendAnalysis(ctx, a); err != nil {
		return nil, eris.Wrapf(err, "analysis: append analysis for %s", f.ID)
	}
	return a, nil
}

func hasSkipped(a *model.Analysis) bool {
	for _, s := range model.Stages {
		if a.StageStatus.Get(s) == model.StageSkipped {
			return true
		}
	}
	return false
}

// runStage executes one stage and persists its outcome. It reports done
// when the pipeline should stop without error (finding excluded).
func (p *Pipeline) runStage(ctx context.Context, f *model.Finding, a *model.Analysis, stage model.Stage) (bool, error) {
	prompt, err := buildPrompt(stage, f, a)
	if err != nil {
		return false, p.fail(ctx, a, stage, model.StageRecord{}, err)
	}

	out, rec, err := p.invokeStage(ctx, stage, prompt)
	a.Usage.Add(rec.Usage)
	if err != nil {
		return false, p.fail(ctx, a, stage, rec, err)
	}

	a.Outputs[stage] = out
	a.StageStatus[stage] = model.StageSucceeded
	a.Records[stage] = rec

	var target model.FindingStatus
	done := false
	switch stage {
	case model.StageClassify:
		var c model.ClassificationResult
		if err := a.Decode(stage, &c); err != nil {
			return false, err
		}
		if !c.IsHealthcare || c.Confidence < p.opts.ClassificationThreshold {
			for _, s := range model.Stages[1:] {
				a.StageStatus[s] = model.StageSkipped
			}
			target = model.FindingExcluded
			done = true
		} else {
			target = model.FindingClassified
		}
	case model.StageGenerate:
		target = model.FindingAnalysed
	}

	update := store.StageUpdate{Analysis: a, Stage: stage}
	if target != "" && f.Status.CanTransition(target) {
		update.FindingStatus = target
	}

	// The stage result is written even if ctx was cancelled while it ran.
	if err := p.store.UpdateStageStatus(context.WithoutCancel(ctx), update); err != nil {
		return false, eris.Wrapf(err, "analysis: persist stage %s", stage)
	}
	if update.FindingStatus != "" {
		f.Status = update.FindingStatus
	}
	return done, nil
}

// invokeStage calls the model and parses the response, re-asking with a
// corrective instruction while the output is unusable.
func (p *Pipeline) invokeStage(ctx context.Context, stage model.Stage, prompt string) (out json.RawMessage, rec model.StageRecord, err error) {
	sp := stagePrompts[stage]
	req := llm.Request{
		Stage:     string(stage),
		System:    sp.system,
		Prompt:    prompt,
		MaxTokens: sp.maxTokens,
		JSON:      true,
	}
	if stage == model.StageGenerate && p.opts.CreativeTemperature > 0 {
		t := p.opts.CreativeTemperature
		req.Temperature = &t
	}

	for attempt := 0; attempt <= p.opts.RepairAttempts; attempt++ {
		// An in-flight call is allowed to finish; cancellation takes effect
		// between calls.
		resp, invokeErr := p.llm.Invoke(context.WithoutCancel(ctx), req)
		if invokeErr != nil {
			var le *llm.Error
			if errors.As(invokeErr, &le) {
				rec.Provider = le.Provider
			}
			return nil, rec, eris.Wrapf(invokeErr, "analysis: invoke %s", stage)
		}
		rec.Provider = resp.Provider
		rec.Model = resp.Model
		rec.Attempts += resp.Attempts
		rec.Usage.Add(resp.Usage())

		parsed, parseErr := parseStage(stage, resp.Text)
		if parseErr == nil {
			rec.At = time.Now().UTC()
			return parsed, rec, nil
		}
		err = parseErr
		zap.L().Warn("analysis: unusable stage output",
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt+1),
			zap.Error(parseErr),
		)
		if attempt == p.opts.RepairAttempts || ctx.Err() != nil {
			break
		}
		req.Prompt = prompt + repairPrompt(parseErr)
	}
	return nil, rec, err
}

// fail marks stage failed and persists the partial analysis.
func (p *Pipeline) fail(ctx context.Context, a *model.Analysis, stage model.Stage, rec model.StageRecord, cause error) error {
	rec.Error = cause.Error()
	rec.At = time.Now().UTC()
	a.StageStatus[stage] = model.StageFailed
	a.Records[stage] = rec
	delete(a.Outputs, stage)

	if err := p.store.UpdateStageStatus(context.WithoutCancel(ctx), store.StageUpdate{Analysis: a, Stage: stage}); err != nil {
		zap.L().Error("analysis: persist failed stage",
			zap.String("analysis_id", a.ID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
	return cause
}

// createDraft creates the draft post for a complete analysis. It is a no-op
// when the analysis already has one.
func (p *Pipeline) createDraft(ctx context.Context, f *model.Finding, a *model.Analysis) error {
	var content model.ContentResult
	if err := a.Decode(model.StageGenerate, &content); err != nil {
		return err
	}
	var syn model.SynthesisResult
	if err := a.Decode(model.StageSynthesize, &syn); err != nil {
		return err
	}

	post := &model.Post{
		AnalysisID:      a.ID,
		FindingID:       f.ID,
		Slug:            postSlug(content.Title, f.ID),
		Title:           content.Title,
		ContentMarkdown: content.ContentMarkdown,
		Excerpt:         content.Excerpt,
		KeyLearnings:    syn.KeyLearnings,
		Tags:            content.Tags,
		Status:          model.PostDraft,
	}
	created, err := p.store.CreateDraftPost(context.WithoutCancel(ctx), post)
	if err != nil {
		return eris.Wrapf(err, "analysis: create draft post for %s", a.ID)
	}
	if created {
		zap.L().Info("analysis: draft post created",
			zap.String("analysis_id", a.ID),
			zap.String("post_id", post.ID),
			zap.String("slug", post.Slug),
		)
	}
	return nil
}

// BatchSummary aggregates a RunPending call.
type BatchSummary struct {
	Processed int              `json:"processed"`
	Completed int              `json:"completed"`
	Excluded  int              `json:"excluded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Usage     model.TokenUsage `json:"usage"`
}

// RunPending analyses up to limit findings in status new or classified,
// priority findings first. Individual failures are counted, not returned.
func (p *Pipeline) RunPending(ctx context.Context, limit int) (BatchSummary, error) {
	findings, err := p.pending(ctx, limit)
	if err != nil {
		return BatchSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary BatchSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for _, f := range findings {
		if gctx.Err() != nil {
			break
		}
		id := f.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			a, runErr := p.Run(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if a != nil {
				summary.Usage.Add(a.Usage)
			}
			switch {
			case errors.Is(runErr, ErrFindingBusy), errors.Is(runErr, ErrNotAnalysable), errors.Is(runErr, context.Canceled):
				summary.Skipped++
				return nil
			case runErr != nil:
				summary.Processed++
				summary.Failed++
				return nil
			}
			summary.Processed++
			if hasSkipped(a) {
				summary.Excluded++
			} else {
				summary.Completed++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("analysis: batch complete",
		zap.Int("processed", summary.Processed),
		zap.Int("completed", summary.Completed),
		zap.Int("excluded", summary.Excluded),
		zap.Int("failed", summary.Failed),
		zap.Float64("cost_usd", summary.Usage.Cost),
	)
	if err := ctx.Err(); err != nil {
		return summary, eris.Wrap(err, "analysis: batch cancelled")
	}
	return summary, nil
}

func (p *Pipeline) pending(ctx context.Context, limit int) ([]model.Finding, error) {
	statuses := []model.FindingStatus{model.FindingNew, model.FindingClassified}
	priority := true

	first, err := p.store.ListFindings(ctx, model.FindingFilter{Statuses: statuses, Priority: &priority, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: list priority findings")
	}
	if len(first) >= limit && limit > 0 {
		return first[:limit], nil
	}

	rest, err := p.store.ListFindings(ctx, model.FindingFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: list pending findings")
	}
	seen := make(map[string]bool, len(first))
	for _, f := range first {
		seen[f.ID] = true
	}
	out := first
	for _, f := range rest {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !seen[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}
