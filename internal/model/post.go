package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// PostStatus is the review lifecycle state of a Post.
type PostStatus string

const (
	PostDraft         PostStatus = "draft"
	PostPendingReview PostStatus = "pending_review"
	PostApproved      PostStatus = "approved"
	PostPublished     PostStatus = "published"
	PostRejected      PostStatus = "rejected"
)

// ReviewAction is an externally driven Post transition.
type ReviewAction string

const (
	ActionSubmit         ReviewAction = "submit"
	ActionApprove        ReviewAction = "approve"
	ActionReject         ReviewAction = "reject"
	ActionRequestChanges ReviewAction = "request-changes"
	ActionPublish        ReviewAction = "publish"
)

type postEdge struct {
	from   PostStatus
	action ReviewAction
}

var postTransitions = map[postEdge]PostStatus{
	{PostDraft, ActionSubmit}:                 PostPendingReview,
	{PostRejected, ActionSubmit}:              PostPendingReview,
	{PostPendingReview, ActionApprove}:        PostApproved,
	{PostPendingReview, ActionReject}:         PostRejected,
	{PostPendingReview, ActionRequestChanges}: PostDraft,
	{PostApproved, ActionPublish}:             PostPublished,
}

// ParseReviewAction validates an action name.
func ParseReviewAction(s string) (ReviewAction, error) {
	switch a := ReviewAction(s); a {
	case ActionSubmit, ActionApprove, ActionReject, ActionRequestChanges, ActionPublish:
		return a, nil
	}
	return "", eris.Errorf("model: unknown review action %q", s)
}

// Apply returns the status reached by applying action to s.
func (s PostStatus) Apply(action ReviewAction) (PostStatus, error) {
	next, ok := postTransitions[postEdge{s, action}]
	if !ok {
		return s, eris.Wrapf(ErrInvalidTransition, "post %s via %s", s, action)
	}
	return next, nil
}

// Post is the human-reviewable artifact derived from a completed Analysis.
type Post struct {
	ID              string     `json:"id"`
	AnalysisID      string     `json:"analysis_id"`
	FindingID       string     `json:"finding_id"`
	Slug            string     `json:"slug"`
	Title           string     `json:"title"`
	ContentMarkdown string     `json:"content_markdown"`
	Excerpt         string     `json:"excerpt"`
	KeyLearnings    []string   `json:"key_learnings"`
	Tags            []string   `json:"tags"`
	Status          PostStatus `json:"status"`
	ReviewNotes     string     `json:"review_notes,omitempty"`
	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Status PostStatus
	Limit  int
	Offset int
}

// Review carries the reviewer input for a transition.
type Review struct {
	Action   ReviewAction
	Reviewer string
	Notes    string
}
