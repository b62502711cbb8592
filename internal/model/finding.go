package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidTransition is returned when a lifecycle change is not allowed
// from the current status.
var ErrInvalidTransition = eris.New("model: invalid status transition")

// FindingStatus is the lifecycle state of a Finding.
type FindingStatus string

const (
	FindingNew        FindingStatus = "new"
	FindingClassified FindingStatus = "classified"
	FindingAnalysed   FindingStatus = "analysed"
	FindingPublished  FindingStatus = "published"
	FindingExcluded   FindingStatus = "excluded"
)

var findingTransitions = map[FindingStatus][]FindingStatus{
	FindingNew:        {FindingClassified, FindingExcluded},
	FindingClassified: {FindingAnalysed, FindingExcluded},
	FindingAnalysed:   {FindingPublished},
}

// CanTransition reports whether a Finding may move from s to next.
func (s FindingStatus) CanTransition(next FindingStatus) bool {
	for _, allowed := range findingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s FindingStatus) Terminal() bool {
	return len(findingTransitions[s]) == 0
}

// CheckFindingTransition returns ErrInvalidTransition when from -> to is
// not allowed.
func CheckFindingTransition(from, to FindingStatus) error {
	if !from.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "finding %s -> %s", from, to)
	}
	return nil
}

// Finding is one ingested source document. It is immutable once captured
// except for its status.
type Finding struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"source_id"`
	SourceCode    string         `json:"source_code,omitempty"`
	ExternalID    string         `json:"external_id"`
	Title         string         `json:"title"`
	SourceURL     string         `json:"source_url"`
	PDFURL        string         `json:"pdf_url,omitempty"`
	DatePublished *time.Time     `json:"date_published,omitempty"`
	DeceasedName  string         `json:"deceased_name,omitempty"`
	DateOfDeath   *time.Time     `json:"date_of_death,omitempty"`
	Coroner       string         `json:"coroner,omitempty"`
	Categories    []string       `json:"categories,omitempty"`
	ContentHTML   string         `json:"content_html,omitempty"`
	ContentText   string         `json:"content_text,omitempty"`
	PDFText       string         `json:"pdf_text,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Priority      bool           `json:"priority"`
	Status        FindingStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Text returns the best available body text, preferring the PDF when the
// page itself carried little content.
func (f *Finding) Text() string {
	if len(f.PDFText) > len(f.ContentText) {
		return f.PDFText
	}
	return f.ContentText
}

// FindingFilter narrows ListFindings.
type FindingFilter struct {
	SourceCode string
	Statuses   []FindingStatus
	Priority   *bool
	Limit      int
	Offset     int
}
