package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Stage names one step of the analysis pipeline.
type Stage string

const (
	StageClassify     Stage = "classify"
	StageExtract      Stage = "extract"
	StageHumanFactors Stage = "human_factors"
	StageSynthesize   Stage = "synthesize"
	StageGenerate     Stage = "generate_content"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageClassify, StageExtract, StageHumanFactors, StageSynthesize, StageGenerate}

// Index returns the stage's position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// StageStatus is the outcome of one stage within an Analysis.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageStatusMap records the status of every stage of an Analysis.
type StageStatusMap map[Stage]StageStatus

// NewStageStatusMap returns a map with every stage pending.
func NewStageStatusMap() StageStatusMap {
	m := make(StageStatusMap, len(Stages))
	for _, s := range Stages {
		m[s] = StagePending
	}
	return m
}

// Get returns the status of stage, treating a missing entry as pending.
func (m StageStatusMap) Get(stage Stage) StageStatus {
	if st, ok := m[stage]; ok {
		return st
	}
	return StagePending
}

// FirstIncomplete returns the first stage not yet succeeded.
func (m StageStatusMap) FirstIncomplete() (Stage, bool) {
	for _, s := range Stages {
		if m.Get(s) != StageSucceeded {
			return s, true
		}
	}
	return "", false
}

// Consistent reports whether every succeeded stage is preceded only by
// succeeded stages.
func (m StageStatusMap) Consistent() bool {
	broken := false
	for _, s := range Stages {
		if m.Get(s) != StageSucceeded {
			broken = true
			continue
		}
		if broken {
			return false
		}
	}
	return true
}

// Complete reports whether all stages succeeded.
func (m StageStatusMap) Complete() bool {
	_, incomplete := m.FirstIncomplete()
	return !incomplete
}

// StageRecord is the audit trail of one stage execution.
type StageRecord struct {
	Provider string     `json:"llm_provider,omitempty"`
	Model    string     `json:"llm_model,omitempty"`
	Attempts int        `json:"attempts"`
	Usage    TokenUsage `json:"usage"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}

// Analysis is one run (possibly partial) of the pipeline over a Finding.
// Outputs hold the canonical JSON of each succeeded stage.
type Analysis struct {
	ID            string                    `json:"id"`
	FindingID     string                    `json:"finding_id"`
	PromptVersion string                    `json:"prompt_version"`
	StageStatus   StageStatusMap            `json:"stage_status"`
	Records       map[Stage]StageRecord     `json:"stage_records"`
	Outputs       map[Stage]json.RawMessage `json:"outputs"`
	Usage         TokenUsage                `json:"usage"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

// NewAnalysis returns an empty Analysis for a finding with every stage pending.
func NewAnalysis(id, findingID, promptVersion string) *Analysis {
	return &Analysis{
		ID:            id,
		FindingID:     findingID,
		PromptVersion: promptVersion,
		StageStatus:   NewStageStatusMap(),
		Records:       make(map[Stage]StageRecord),
		Outputs:       make(map[Stage]json.RawMessage),
	}
}

// Decode unmarshals the stored output of stage into dst.
func (a *Analysis) Decode(stage Stage, dst any) error {
	raw, ok := a.Outputs[stage]
	if !ok || len(raw) == 0 {
		return eris.Errorf("analysis %s: no output for stage %s", a.ID, stage)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return eris.Wrapf(err, "analysis %s: decode stage %s", a.ID, stage)
	}
	return nil
}

// Valid reports whether every succeeded stage has output and all of its
// prerequisites succeeded.
func (a *Analysis) Valid() bool {
	if !a.StageStatus.Consistent() {
		return false
	}
	for _, s := range Stages {
		if a.StageStatus.Get(s) == StageSucceeded && len(a.Outputs[s]) == 0 {
			return false
		}
	}
	return true
}
