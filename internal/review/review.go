// Package review drives the Post lifecycle on behalf of human reviewers.
package review

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

// ErrNotesRequired is returned when a reject or request-changes carries no
// reviewer notes.
var ErrNotesRequired = eris.New("review: notes are required for this action")

// Service applies review actions to posts.
type Service struct {
	store store.Store
}

// New creates a review Service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// Submit sends a draft or rejected post for review.
func (s *Service) Submit(ctx context.Context, postID, reviewer string) (*model.Post, error) {
	return s.Apply(ctx, postID, model.Review{Action: model.ActionSubmit, Reviewer: reviewer})
}

// Approve accepts a post pending review.
func (s *Service) Approve(ctx context.Context, postID, reviewer, notes string) (*model.Post, error) {
	return s.Apply(ctx, postID, model.Review{Action: model.ActionApprove, Reviewer: reviewer, Notes: notes})
}

// Reject declines a post pending review.
func (s *Service) Reject(ctx context.Context, postID, reviewer, notes string) (*model.Post, error) {
	return s.Apply(ctx, postID, model.Review{Action: model.ActionReject, Reviewer: reviewer, Notes: notes})
}

// RequestChanges returns a post pending review to draft.
func (s *Service) RequestChanges(ctx context.Context, postID, reviewer, notes string) (*model.Post, error) {
	return s.Apply(ctx, postID, model.Review{Action: model.ActionRequestChanges, Reviewer: reviewer, Notes: notes})
}

// Publish publishes an approved post. The owning finding moves to
// published in the same transaction.
func (s *Service) Publish(ctx context.Context, postID, reviewer string) (*model.Post, error) {
	return s.Apply(ctx, postID, model.Review{Action: model.ActionPublish, Reviewer: reviewer})
}

// Apply performs any review action. Invalid transitions return an error
// wrapping model.ErrInvalidTransition.
func (s *Service) Apply(ctx context.Context, postID string, r model.Review) (*model.Post, error) {
	r.Notes = strings.TrimSpace(r.Notes)
	if (r.Action == model.ActionReject || r.Action == model.ActionRequestChanges) && r.Notes == "" {
		return nil, eris.Wrapf(ErrNotesRequired, "%s post %s", r.Action, postID)
	}

	post, err := s.store.TransitionPost(ctx, postID, r)
	if err != nil {
		return nil, eris.Wrapf(err, "review: %s post %s", r.Action, postID)
	}

	zap.L().Info("review: post transitioned",
		zap.String("post_id", postID),
		zap.String("action", string(r.Action)),
		zap.String("status", string(post.Status)),
		zap.String("reviewer", r.Reviewer),
	)
	return post, nil
}
