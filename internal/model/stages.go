package model

// Domain is one of the six fixed SEIPS system domains.
type Domain string

const (
	DomainIndividual     Domain = "individual"
	DomainTeam           Domain = "team"
	DomainTask           Domain = "task"
	DomainTechnology     Domain = "technology"
	DomainEnvironment    Domain = "environment"
	DomainOrganisational Domain = "organisational"
)

// Domains lists the SEIPS domains in reporting order.
var Domains = []Domain{DomainIndividual, DomainTeam, DomainTask, DomainTechnology, DomainEnvironment, DomainOrganisational}

// Severity grades a contributing factor.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityHigh || s == SeverityMedium || s == SeverityLow
}

// ClassificationResult is the output of the classify stage.
type ClassificationResult struct {
	IsHealthcare bool    `json:"is_healthcare"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

// HealthcareContext describes the care settings involved.
type HealthcareContext struct {
	Settings    []string `json:"settings"`
	Specialties []string `json:"specialties"`
}

// ExtractionResult is the output of the extract stage.
type ExtractionResult struct {
	Summary                string            `json:"summary"`
	IncidentDate           string            `json:"incident_date,omitempty"`
	Location               string            `json:"location,omitempty"`
	PartiesInvolved        []string          `json:"parties_involved"`
	SequenceOfEvents       []string          `json:"sequence_of_events"`
	CoronerRecommendations []string          `json:"coroner_recommendations"`
	HealthcareContext      HealthcareContext `json:"healthcare_context"`
}

// Factor is one contributing factor within a SEIPS domain.
type Factor struct {
	Factor      string   `json:"factor"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// LatentHazard is a hidden system vulnerability.
type LatentHazard struct {
	Hazard    string `json:"hazard"`
	Domain    Domain `json:"domain"`
	Potential string `json:"potential_for_future_harm"`
}

// Improvement is a recommended change targeting one domain.
type Improvement struct {
	Recommendation string   `json:"recommendation"`
	TargetDomain   Domain   `json:"target_domain"`
	Priority       Severity `json:"priority"`
}

// HumanFactorsResult is the output of the human_factors stage.
type HumanFactorsResult struct {
	Individual               []Factor       `json:"individual"`
	Team                     []Factor       `json:"team"`
	Task                     []Factor       `json:"task"`
	Technology               []Factor       `json:"technology"`
	Environment              []Factor       `json:"environment"`
	Organisational           []Factor       `json:"organisational"`
	LatentHazards            []LatentHazard `json:"latent_hazards"`
	ImprovementOpportunities []Improvement  `json:"improvement_opportunities"`
}

// ByDomain returns the factors recorded for d.
func (h *HumanFactorsResult) ByDomain(d Domain) []Factor {
	switch d {
	case DomainIndividual:
		return h.Individual
	case DomainTeam:
		return h.Team
	case DomainTask:
		return h.Task
	case DomainTechnology:
		return h.Technology
	case DomainEnvironment:
		return h.Environment
	case DomainOrganisational:
		return h.Organisational
	}
	return nil
}

// SynthesisResult is the output of the synthesize stage.
type SynthesisResult struct {
	ExecutiveSummary string   `json:"executive_summary"`
	KeyLearnings     []string `json:"key_learnings"`
}

// ContentResult is the output of the generate_content stage.
type ContentResult struct {
	Title           string   `json:"title"`
	ContentMarkdown string   `json:"content_markdown"`
	Excerpt         string   `json:"excerpt"`
	Tags            []string `json:"tags"`
}
