package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/monitoring"
	"github.com/sells-group/safety-monitor/internal/review"
	"github.com/sells-group/safety-monitor/internal/scheduler"
	"github.com/sells-group/safety-monitor/internal/store"
)

// sourceTrigger is the scheduler surface the API needs.
type sourceTrigger interface {
	Trigger(ctx context.Context, code string) (scheduler.TriggerResult, error)
}

// api serves the trigger, read and review endpoints.
type api struct {
	store     store.Store
	trigger   sourceTrigger
	review    *review.Service
	collector *monitoring.Collector
}

// buildRouter registers every route. allowedOrigins configures CORS for the
// review dashboard; empty disables cross-origin access.
func buildRouter(a *api, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", a.listSources)
		r.Post("/sources/{code}/trigger", a.triggerSource)
		r.Get("/findings", a.listFindings)
		r.Get("/findings/{id}", a.getFinding)
		r.Get("/findings/{id}/analyses", a.listAnalyses)
		r.Get("/posts", a.listPosts)
		r.Get("/posts/{id}", a.getPost)
		r.Post("/posts/{id}/{action}", a.reviewPost)
		r.Get("/status", a.status)
	})

	return r
}

var triggerStatus = map[scheduler.RejectReason]int{
	scheduler.ReasonAlreadyRunning: http.StatusConflict,
	scheduler.ReasonUnknownSource:  http.StatusNotFound,
	scheduler.ReasonInactive:       http.StatusUnprocessableEntity,
}

func (a *api) triggerSource(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	res, err := a.trigger.Trigger(r.Context(), code)
	if err != nil {
		zap.L().Error("api: trigger failed", zap.String("source", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	if res.Accepted {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "source": code})
		return
	}
	status, ok := triggerStatus[res.Reason]
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"status": "rejected", "source": code, "reason": string(res.Reason)})
}

func (a *api) listSources(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	sources, err := a.store.ListSources(r.Context(), activeOnly)
	if err != nil {
		a.fail(w, "list sources", err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (a *api) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.FindingFilter{
		SourceCode: q.Get("source"),
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, model.FindingStatus(strings.TrimSpace(part)))
		}
	}
	if p := q.Get("priority"); p != "" {
		v, err := strconv.ParseBool(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be true or false")
			return
		}
		filter.Priority = &v
	}

	findings, err := a.store.ListFindings(r.Context(), filter)
	if err != nil {
		a.fail(w, "list findings", err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (a *api) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := a.store.GetFinding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, "get finding", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) listAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.store.GetFinding(r.Context(), id); err != nil {
		a.fail(w, "get finding", err)
		return
	}
	analyses, err := a.store.ListAnalyses(r.Context(), id)
	if err != nil {
		a.fail(w, "list analyses", err)
		return
	}
	writeJSON(w, http.StatusOK, analyses)
}

func (a *api) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	posts, err := a.store.ListPosts(r.Context(), model.PostFilter{
		Status: model.PostStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		a.fail(w, "list posts", err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *api) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, "get post", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) reviewPost(w http.ResponseWriter, r *http.Request) {
	action, err := model.ParseReviewAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown review action")
		return
	}

	var body struct {
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	post, err := a.review.Apply(r.Context(), chi.URLParam(r, "id"), model.Review{
		Action:   action,
		Reviewer: body.Reviewer,
		Notes:    body.Notes,
	})
	if err != nil {
		a.fail(w, "review post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context())
	if err != nil {
		a.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// fail maps domain errors to HTTP statuses. Unexpected errors are logged
// and reported without detail.
func (a *api) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrNotesRequired):
		writeError(w, http.StatusUnprocessableEntity, "notes are required for this action")
	default:
		zap.L().Error("api: request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
