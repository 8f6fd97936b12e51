package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-listings-ingest/internal/config"
	"github.com/JakeFAU/realtime-listings-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/telemetry"
)

const (
	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

// Service is the post and ingest surface served over HTTP.
type Service interface {
	ScrapeAndIngest(ctx context.Context, params listing.ScrapeParams) (listing.IngestSummary, error)
	CreateIfAbsent(ctx context.Context, in ingest.ManualPost) (listing.Post, bool, error)
	GetPost(ctx context.Context, id string) (listing.Post, error)
	UpdateStatus(ctx context.Context, id string, patch listing.PostPatch) (listing.Post, error)
	ListPosts(ctx context.Context, filter listing.PostFilter) ([]listing.PostSummary, error)
	Export(ctx context.Context, filter listing.PostFilter) (ingest.Export, error)
	ReprocessAll(ctx context.Context) (listing.ReprocessSummary, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the ingest service.
type Server struct {
	router chi.Router
	svc    Service
	ready  Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(svc Service, cfg config.Config, ready Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		ready:  ready,
		logger: logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))

		r.Post("/scrape/facebook-group", s.scrapeFacebookGroup)
		r.Route("/posts", func(r chi.Router) {
			r.Post("/", s.createPost)
			r.Get("/", s.listPosts)
			r.Get("/export", s.exportPosts)
			r.Post("/reprocess", s.reprocessPosts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getPost)
				r.Patch("/status", s.updateStatus)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) scrapeFacebookGroup(w http.ResponseWriter, r *http.Request) {
	var params listing.ScrapeParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateScrapeParams(params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.svc.ScrapeAndIngest(r.Context(), params)
	if err != nil {
		s.fail(w, r, err, nonZero(summary))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var in ingest.ManualPost
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	post, created, err := s.svc.CreateIfAbsent(r.Context(), in)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createPostResponse{Post: post, Created: created})
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	posts, err := s.svc.ListPosts(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (s *Server) exportPosts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	export, err := s.svc.Export(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	if export.URI != "" {
		w.Header().Set("X-Archive-URI", export.URI)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(export.Body)); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
	}
}

func (s *Server) reprocessPosts(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.ReprocessAll(r.Context())
	if err != nil {
		s.fail(w, r, err, nonZero(summary))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.svc.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var patch listing.PostPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	post, err := s.svc.UpdateStatus(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// fail maps err to a status code and writes it; partial is attached to the
// body so bulk callers still see counts.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, partial any) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", RequestID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Partial: partial})
}

func nonZero[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func statusFor(err error) int {
	var jobFailed *listing.JobFailedError
	switch {
	case errors.Is(err, listing.ErrInvalidPost):
		return http.StatusBadRequest
	case errors.Is(err, listing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, listing.ErrMissingCredential):
		return http.StatusServiceUnavailable
	case errors.As(err, &jobFailed):
		return http.StatusBadGateway
	case errors.Is(err, listing.ErrJobTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validateScrapeParams(p listing.ScrapeParams) error {
	if len(p.StartURLs) == 0 {
		return errors.New("startUrls requires at least one url")
	}
	for i, u := range p.StartURLs {
		if strings.TrimSpace(u.URL) == "" {
			return fmt.Errorf("startUrls[%d].url is empty", i)
		}
	}
	for name, v := range map[string]*int{
		"resultsLimit":   p.ResultsLimit,
		"commentsLimit":  p.CommentsLimit,
		"reactionsLimit": p.ReactionsLimit,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

// parseWindow reads the optional RFC 3339 postedAtFrom and postedAtTo bounds.
func parseWindow(r *http.Request) (listing.PostFilter, error) {
	var filter listing.PostFilter
	q := r.URL.Query()
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{
		{"postedAtFrom", &filter.PostedAtFrom},
		{"postedAtTo", &filter.PostedAtTo},
	} {
		raw := strings.TrimSpace(q.Get(bound.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return listing.PostFilter{}, fmt.Errorf("%s must be an RFC 3339 timestamp", bound.name)
		}
		t = t.UTC()
		*bound.dst = &t
	}
	if filter.PostedAtFrom != nil && filter.PostedAtTo != nil && filter.PostedAtFrom.After(*filter.PostedAtTo) {
		return listing.PostFilter{}, errors.New("postedAtFrom must not be after postedAtTo")
	}
	return filter, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

type createPostResponse struct {
	Post    listing.Post `json:"post"`
	Created bool         `json:"created"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Partial any    `json:"partial,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
