package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"groupflow/internal/domain"
	"groupflow/internal/notify"
	"groupflow/internal/store"
	"groupflow/internal/welcome"
)

// TenantResolver maps a bearer token to a tenant id. Authentication proper
// lives outside this module; the engine only needs the tenant scope.
type TenantResolver func(token string) (string, bool)

type Server struct {
	r        *chi.Mux
	repo     store.Repository
	welcomes *welcome.Aggregator
	counters *notify.Service
	resolve  TenantResolver
}

func NewServer(repo store.Repository, welcomes *welcome.Aggregator, counters *notify.Service, resolve TenantResolver) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, welcomes: welcomes, counters: counters, resolve: resolve}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.tenantAuth)
		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Patch("/jobs/{id}/schedule", s.rescheduleJob)

		r.Get("/groups/{groupID}/welcome", s.getWelcome)
		r.Put("/groups/{groupID}/welcome", s.putWelcome)
		r.Delete("/groups/{groupID}/welcome", s.deleteWelcome)
		r.Post("/groups/{groupID}/joins", s.postJoins)

		r.Get("/groups/{groupID}/admin-window", s.getAdminWindow)
		r.Put("/groups/{groupID}/admin-window", s.putAdminWindow)
		r.Delete("/groups/{groupID}/admin-window", s.deleteAdminWindow)
	})

	return r
}

type ctxKey int

const tenantKey ctxKey = 0

func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tenantID, ok := s.resolve(token)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenantID)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("groupflow_up 1\n"))
	if s.counters == nil {
		return
	}
	c := s.counters.Snapshot()
	writeMetric(w, "groupflow_jobs_sent_total", c.JobsSent)
	writeMetric(w, "groupflow_jobs_failed_total", c.JobsFailed)
	writeMetric(w, "groupflow_targets_sent_total", c.TargetsSent)
	writeMetric(w, "groupflow_targets_failed_total", c.TargetsFailed)
	writeMetric(w, "groupflow_welcomes_sent_total", c.WelcomesSent)
	writeMetric(w, "groupflow_welcomes_failed_total", c.WelcomesFailed)
	writeMetric(w, "groupflow_admin_window_toggles_total", c.WindowToggles)
}

type fileReq struct {
	Data []byte `json:"data"` // base64 in JSON
	Mime string `json:"mime"`
	Name string `json:"name"`
}

type createJobReq struct {
	Targets       []string  `json:"targets"`
	Message       string    `json:"message"`
	MessageType   string    `json:"message_type"`
	PollOptions   []string  `json:"poll_options"`
	AllowMultiple bool      `json:"allow_multiple"`
	GapSeconds    int       `json:"gap_seconds"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Mentions      []string  `json:"mentions"`
	File          *fileReq  `json:"file"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.MessageType == "" {
		req.MessageType = string(domain.KindText)
	}
	if req.MessageType != string(domain.KindText) && req.MessageType != string(domain.KindPoll) {
		http.Error(w, "message_type must be text or poll", 400)
		return
	}

	payload := domain.Payload{
		Kind:          domain.MessageKind(req.MessageType),
		Text:          req.Message,
		PollOptions:   req.PollOptions,
		AllowMultiple: req.AllowMultiple,
		Mentions:      req.Mentions,
	}
	if req.File != nil && len(req.File.Data) > 0 {
		payload.Attachment = &domain.Attachment{Bytes: req.File.Data, Mime: req.File.Mime, Filename: req.File.Name}
	}

	job, err := s.repo.CreateJob(r.Context(), domain.NewJob{
		TenantID:    tenantFrom(r.Context()),
		Targets:     req.Targets,
		Payload:     payload,
		GapSeconds:  req.GapSeconds,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobJSON(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusPending, domain.StatusExecuting, domain.StatusSent, domain.StatusFailed:
	default:
		http.Error(w, "unknown status filter", 400)
		return
	}
	jobs, err := s.repo.ListByTenant(r.Context(), tenantFrom(r.Context()), status)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobJSON(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, jobJSON(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Cancel(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleReq struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) rescheduleJob(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id := chi.URLParam(r, "id")
	tenantID := tenantFrom(r.Context())
	if err := s.repo.Reschedule(r.Context(), tenantID, id, req.ScheduledAt); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.repo.GetJob(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, jobJSON(job))
}

func jobJSON(j domain.Job) map[string]any {
	out := map[string]any{
		"id":           j.ID,
		"targets":      j.Targets,
		"message":      j.Payload.Text,
		"message_type": string(j.Payload.Kind),
		"gap_seconds":  j.GapSeconds,
		"scheduled_at": j.ScheduledAt.Format(time.RFC3339),
		"status":       string(j.Status),
		"created_at":   j.CreatedAt.Format(time.RFC3339),
	}
	if len(j.Payload.PollOptions) > 0 {
		out["poll_options"] = j.Payload.PollOptions
		out["allow_multiple"] = j.Payload.AllowMultiple
	}
	if len(j.Payload.Mentions) > 0 {
		out["mentions"] = j.Payload.Mentions
	}
	if a := j.Payload.Attachment; a != nil {
		out["file_name"] = a.Filename
		out["file_mime"] = a.Mime
	}
	if j.ExecutedAt != nil {
		out["executed_at"] = j.ExecutedAt.Format(time.RFC3339)
	}
	if j.Result != nil {
		out["result_summary"] = j.Result
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var se *domain.InvalidStateError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), 400)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.As(err, &se):
		http.Error(w, se.Error(), 409)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMetric(w http.ResponseWriter, name string, v uint64) {
	_, _ = w.Write([]byte(name + " " + strconv.FormatUint(v, 10) + "\n"))
}
