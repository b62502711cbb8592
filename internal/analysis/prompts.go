package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/model"
)

// Content limits applied before prompting, in characters.
const (
	classifyContentLimit     = 8000
	extractContentLimit      = 12000
	humanFactorsContentLimit = 10000
	summaryContextLimit      = 4000
)

type stagePrompt struct {
	system    string
	maxTokens int64
}

var stagePrompts = map[model.Stage]stagePrompt{
	model.StageClassify: {
		system:    "You are a healthcare classification expert. Always respond with valid JSON.",
		maxTokens: 500,
	},
	model.StageExtract: {
		system:    "You are an expert at extracting structured information from coronial and medical documents. Always respond with valid JSON.",
		maxTokens: 2000,
	},
	model.StageHumanFactors: {
		system:    "You are a healthcare human factors expert. Analyse using the SEIPS 2.0 framework. Always respond with valid JSON.",
		maxTokens: 3000,
	},
	model.StageSynthesize: {
		system:    "You are a patient safety analyst writing for clinical governance leads. Always respond with valid JSON.",
		maxTokens: 1500,
	},
	model.StageGenerate: {
		system:    "You are a medical writer creating educational content for healthcare professionals. Always respond with valid JSON.",
		maxTokens: 4000,
	},
}

const classifyPrompt = `Analyse the following finding and determine whether it concerns healthcare delivery.

Title: %s

Finding:
%s

Respond with a JSON object:
{"is_healthcare": <bool>, "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`

const extractPrompt = `Extract structured information from this document.

Title: %s

Document:
%s

Respond with a JSON object:
{
  "summary": "<brief summary of the incident>",
  "incident_date": "<date if mentioned>",
  "location": "<location if mentioned>",
  "parties_involved": ["..."],
  "sequence_of_events": ["..."],
  "coroner_recommendations": ["..."],
  "healthcare_context": {"settings": ["..."], "specialties": ["..."]}
}`

const humanFactorsPrompt = `Identify the human factors that contributed to this incident.

Incident summary:
%s

Content:
%s

Group contributing factors into these domains:
- individual (fatigue, cognitive load, skill, stress)
- team (communication, handover, supervision)
- task (complexity, time pressure, interruptions)
- technology (equipment, usability, documentation systems)
- environment (physical layout, crowding, resources)
- organisational (staffing, policies, culture)

Each factor is {"factor": "...", "description": "...", "severity": "high|medium|low"}.

Respond with a JSON object:
{
  "individual": [], "team": [], "task": [], "technology": [], "environment": [], "organisational": [],
  "latent_hazards": [{"hazard": "...", "domain": "<domain>", "potential_for_future_harm": "..."}],
  "improvement_opportunities": [{"recommendation": "...", "target_domain": "<domain>", "priority": "high|medium|low"}]
}`

const synthesizePrompt = `Write an executive summary of this incident and the key learnings for other healthcare organisations.

Incident summary:
%s

Coroner recommendations:
%s

Human factors analysis:
%s

Respond with a JSON object:
{"executive_summary": "...", "key_learnings": ["3 to 5 learnings"]}`

const generatePrompt = `Write a blog post for healthcare professionals about this incident.

Executive summary:
%s

Key learnings:
%s

Human factors analysis:
%s

The post should have a professional title, open with the key takeaways, explain what happened factually, discuss the human factors and close with actionable recommendations.

Respond with a JSON object:
{"title": "...", "content_markdown": "<full post in markdown>", "excerpt": "<2-3 sentence preview>", "tags": ["..."]}`

const repairInstruction = `

Your previous response could not be used: %s
Respond again with only a single valid JSON object matching the requested structure, with no commentary or code fences.`

// truncate cuts s to at most n characters on a rune boundary.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func findingContent(f *model.Finding) string {
	if text := f.Text(); strings.TrimSpace(text) != "" {
		return text
	}
	return f.Title
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func compactJSON(raw json.RawMessage, limit int) string {
	return truncate(string(raw), limit)
}

// buildPrompt renders the user prompt for stage from the finding and the
// outputs of earlier stages.
func buildPrompt(stage model.Stage, f *model.Finding, a *model.Analysis) (string, error) {
	switch stage {
	case model.StageClassify:
		return fmt.Sprintf(classifyPrompt, f.Title, truncate(findingContent(f), classifyContentLimit)), nil

	case model.StageExtract:
		return fmt.Sprintf(extractPrompt, f.Title, truncate(findingContent(f), extractContentLimit)), nil

	case model.StageHumanFactors:
		var ext model.ExtractionResult
		if err := a.Decode(model.StageExtract, &ext); err != nil {
			return "", err
		}
		return fmt.Sprintf(humanFactorsPrompt, ext.Summary, truncate(findingContent(f), humanFactorsContentLimit)), nil

	case model.StageSynthesize:
		var ext model.ExtractionResult
		if err := a.Decode(model.StageExtract, &ext); err != nil {
			return "", err
		}
		var hf model.HumanFactorsResult
		if err := a.Decode(model.StageHumanFactors, &hf); err != nil {
			return "", err
		}
		return fmt.Sprintf(synthesizePrompt,
			truncate(ext.Summary, summaryContextLimit),
			bulletList(ext.CoronerRecommendations),
			compactJSON(a.Outputs[model.StageHumanFactors], summaryContextLimit),
		), nil

	case model.StageGenerate:
		var syn model.SynthesisResult
		if err := a.Decode(model.StageSynthesize, &syn); err != nil {
			return "", err
		}
		return fmt.Sprintf(generatePrompt,
			truncate(syn.ExecutiveSummary, summaryContextLimit),
			bulletList(syn.KeyLearnings),
			compactJSON(a.Outputs[model.StageHumanFactors], summaryContextLimit),
		), nil
	}
	return "", eris.Errorf("analysis: unknown stage %q", stage)
}

func repairPrompt(err error) string {
	reason := err.Error()
	var ve *StageValidationError
	if errors.As(err, &ve) {
		reason = ve.Reason
	}
	return fmt.Sprintf(repairInstruction, reason)
}
