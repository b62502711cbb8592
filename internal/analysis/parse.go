package analysis

import (
	"bytes"
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/sells-group/safety-monitor/internal/model"
)

// StageValidationError reports a stage response that could not be parsed
// into its expected structure.
type StageValidationError struct {
	Stage  model.Stage
	Reason string
}

func (e *StageValidationError) Error() string {
	return "analysis: stage " + string(e.Stage) + " output invalid: " + e.Reason
}

func invalid(stage model.Stage, reason string) *StageValidationError {
	return &StageValidationError{Stage: stage, Reason: reason}
}

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// extractJSON recovers a JSON object from a model response: the whole text,
// then a fenced code block, then the first balanced {...} object.
func extractJSON(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	if isObject(text) {
		return []byte(text), true
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil && isObject(m[1]) {
		return []byte(m[1]), true
	}
	if obj, ok := firstObject(text); ok && isObject(obj) {
		return []byte(obj), true
	}
	return nil, false
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// firstObject returns the first brace-balanced object in s, ignoring braces
// inside string literals.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseStage validates a raw model response for stage and returns its
// canonical JSON encoding.
func parseStage(stage model.Stage, text string) (json.RawMessage, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, invalid(stage, "no JSON object found in response")
	}

	var out any
	var err error
	switch stage {
	case model.StageClassify:
		out, err = parseClassification(raw)
	case model.StageExtract:
		out, err = parseExtraction(raw)
	case model.StageHumanFactors:
		out, err = parseHumanFactors(raw)
	case model.StageSynthesize:
		out, err = parseSynthesis(raw)
	case model.StageGenerate:
		out, err = parseContent(raw)
	default:
		return nil, invalid(stage, "unknown stage")
	}
	if err != nil {
		return nil, err
	}

	canonical, mErr := json.Marshal(out)
	if mErr != nil {
		return nil, invalid(stage, mErr.Error())
	}
	return canonical, nil
}

func decode(stage model.Stage, raw []byte, dst any) error {
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(dst); err != nil {
		return invalid(stage, err.Error())
	}
	return nil
}

func parseClassification(raw []byte) (*model.ClassificationResult, error) {
	var r struct {
		IsHealthcare *bool    `json:"is_healthcare"`
		Confidence   *float64 `json:"confidence"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := decode(model.StageClassify, raw, &r); err != nil {
		return nil, err
	}
	if r.IsHealthcare == nil {
		return nil, invalid(model.StageClassify, "missing is_healthcare")
	}
	if r.Confidence == nil {
		return nil, invalid(model.StageClassify, "missing confidence")
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return nil, invalid(model.StageClassify, "confidence must be between 0 and 1")
	}
	return &model.ClassificationResult{
		IsHealthcare: *r.IsHealthcare,
		Confidence:   *r.Confidence,
		Reasoning:    strings.TrimSpace(r.Reasoning),
	}, nil
}

func parseExtraction(raw []byte) (*model.ExtractionResult, error) {
	var r model.ExtractionResult
	if err := decode(model.StageExtract, raw, &r); err != nil {
		return nil, err
	}
	r.Summary = strings.TrimSpace(r.Summary)
	if r.Summary == "" {
		return nil, invalid(model.StageExtract, "summary is empty")
	}
	r.PartiesInvolved = nonNil(r.PartiesInvolved)
	r.SequenceOfEvents = nonNil(r.SequenceOfEvents)
	r.CoronerRecommendations = nonNil(r.CoronerRecommendations)
	r.HealthcareContext.Settings = nonNil(r.HealthcareContext.Settings)
	r.HealthcareContext.Specialties = nonNil(r.HealthcareContext.Specialties)
	return &r, nil
}

var domainAliases = map[string]model.Domain{
	"organizational":       model.DomainOrganisational,
	"organisation":         model.DomainOrganisational,
	"organization":         model.DomainOrganisational,
	"tools":                model.DomainTechnology,
	"tools/technology":     model.DomainTechnology,
	"tools_technology":     model.DomainTechnology,
	"tools & technology":   model.DomainTechnology,
	"tools and technology": model.DomainTechnology,
	"physical environment": model.DomainEnvironment,
	"physical_environment": model.DomainEnvironment,
}

func normaliseDomain(s string) (model.Domain, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := domainAliases[s]; ok {
		return d, true
	}
	for _, d := range model.Domains {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

func normaliseSeverity(s model.Severity) (model.Severity, bool) {
	sev := model.Severity(strings.ToLower(strings.TrimSpace(string(s))))
	return sev, sev.Valid()
}

func factorList(r *model.HumanFactorsResult, d model.Domain) *[]model.Factor {
	switch d {
	case model.DomainIndividual:
		return &r.Individual
	case model.DomainTeam:
		return &r.Team
	case model.DomainTask:
		return &r.Task
	case model.DomainTechnology:
		return &r.Technology
	case model.DomainEnvironment:
		return &r.Environment
	default:
		return &r.Organisational
	}
}

func parseHumanFactors(raw []byte) (*model.HumanFactorsResult, error) {
	const stage = model.StageHumanFactors
	var fields map[string]json.RawMessage
	if err := decode(stage, raw, &fields); err != nil {
		return nil, err
	}

	// Domain lists arrive under whatever spelling the model picked; every
	// array-valued key must map to a domain so no factor is dropped.
	var r model.HumanFactorsResult
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		value := fields[key]
		switch key {
		case "latent_hazards":
			if err := decode(stage, value, &r.LatentHazards); err != nil {
				return nil, err
			}
			continue
		case "improvement_opportunities":
			if err := decode(stage, value, &r.ImprovementOpportunities); err != nil {
				return nil, err
			}
			continue
		}
		d, ok := normaliseDomain(key)
		if !ok {
			if bytes.HasPrefix(bytes.TrimSpace(value), []byte("[")) {
				return nil, invalid(stage, "unknown factor domain "+key)
			}
			continue
		}
		var factors []model.Factor
		if err := decode(stage, value, &factors); err != nil {
			return nil, err
		}
		list := factorList(&r, d)
		*list = append(*list, factors...)
	}

	total := 0
	for _, list := range []*[]model.Factor{&r.Individual, &r.Team, &r.Task, &r.Technology, &r.Environment, &r.Organisational} {
		*list = nonNil(*list)
		for i := range *list {
			f := &(*list)[i]
			if strings.TrimSpace(f.Factor) == "" {
				return nil, invalid(stage, "factor without a name")
			}
			sev, ok := normaliseSeverity(f.Severity)
			if !ok {
				return nil, invalid(stage, "factor "+f.Factor+" has invalid severity "+string(f.Severity))
			}
			f.Severity = sev
		}
		total += len(*list)
	}
	if total == 0 {
		return nil, invalid(stage, "no contributing factors identified")
	}

	r.LatentHazards = nonNil(r.LatentHazards)
	for i := range r.LatentHazards {
		h := &r.LatentHazards[i]
		d, ok := normaliseDomain(string(h.Domain))
		if !ok {
			return nil, invalid(stage, "latent hazard has unknown domain "+string(h.Domain))
		}
		h.Domain = d
	}

	r.ImprovementOpportunities = nonNil(r.ImprovementOpportunities)
	for i := range r.ImprovementOpportunities {
		o := &r.ImprovementOpportunities[i]
		d, ok := normaliseDomain(string(o.TargetDomain))
		if !ok {
			return nil, invalid(stage, "improvement has unknown target domain "+string(o.TargetDomain))
		}
		o.TargetDomain = d
		p, ok := normaliseSeverity(o.Priority)
		if !ok {
			return nil, invalid(stage, "improvement has invalid priority "+string(o.Priority))
		}
		o.Priority = p
	}
	return &r, nil
}

func parseSynthesis(raw []byte) (*model.SynthesisResult, error) {
	var r model.SynthesisResult
	if err := decode(model.StageSynthesize, raw, &r); err != nil {
		return nil, err
	}
	r.ExecutiveSummary = strings.TrimSpace(r.ExecutiveSummary)
	if r.ExecutiveSummary == "" {
		return nil, invalid(model.StageSynthesize, "executive_summary is empty")
	}
	r.KeyLearnings = compact(r.KeyLearnings)
	if len(r.KeyLearnings) == 0 {
		return nil, invalid(model.StageSynthesize, "key_learnings is empty")
	}
	return &r, nil
}

func parseContent(raw []byte) (*model.ContentResult, error) {
	var r model.ContentResult
	if err := decode(model.StageGenerate, raw, &r); err != nil {
		return nil, err
	}
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return nil, invalid(model.StageGenerate, "title is empty")
	}
	if strings.TrimSpace(r.ContentMarkdown) == "" {
		return nil, invalid(model.StageGenerate, "content_markdown is empty")
	}
	r.Excerpt = strings.TrimSpace(r.Excerpt)
	r.Tags = compact(r.Tags)
	return &r, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// compact trims entries and drops empty ones.
func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
