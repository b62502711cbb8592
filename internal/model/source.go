package model

import "time"

// Source is a configured external origin of findings.
type Source struct {
	ID        string         `json:"id"`
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Country   string         `json:"country"`
	Region    string         `json:"region,omitempty"`
	BaseURL   string         `json:"base_url"`
	Scraper   string         `json:"scraper"`
	Schedule  string         `json:"schedule"`
	Active    bool           `json:"is_active"`
	Settings  SourceSettings `json:"settings"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SourceSettings is the per-source scraping configuration. It is supplied at
// registration and never mutated by the pipeline.
type SourceSettings struct {
	MaxPages       int               `json:"max_pages,omitempty"`
	RequestDelayMs int               `json:"request_delay_ms,omitempty"`
	Keywords       []string          `json:"keywords,omitempty"`
	Categories     []string          `json:"categories,omitempty"`
	Selectors      map[string]string `json:"selectors,omitempty"`
}

// Selector returns the configured CSS selector for key, or def.
func (s SourceSettings) Selector(key, def string) string {
	if v, ok := s.Selectors[key]; ok && v != "" {
		return v
	}
	return def
}

// ScrapeRunStatus is the state of a scrape run log entry.
type ScrapeRunStatus string

const (
	ScrapeRunRunning  ScrapeRunStatus = "running"
	ScrapeRunComplete ScrapeRunStatus = "complete"
	ScrapeRunFailed   ScrapeRunStatus = "failed"
)

// RunSummary counts the outcome of one scrape run.
type RunSummary struct {
	Pages     int `json:"pages"`
	Scanned   int `json:"scanned"`
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// ScrapeRun is the persisted log of one orchestrator run.
type ScrapeRun struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	Status      ScrapeRunStatus `json:"status"`
	Summary     RunSummary      `json:"summary"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
