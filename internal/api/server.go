// Package api serves the admin HTTP surface: health, metrics, the
// orchestrator state and the manual trigger, plus read-only job and history
// listings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"courtbot/internal/booking"
	"courtbot/internal/orchestrator"
	"courtbot/internal/storage"
	"courtbot/internal/telemetry"
	logx "courtbot/pkg/logx"
)

// DefaultAddr keeps the admin API on loopback unless configured otherwise.
const DefaultAddr = "127.0.0.1:8085"

type Config struct {
	Enabled bool
	Addr    string
	// TokenHash is a bcrypt hash of the bearer token. Empty disables the
	// protected routes.
	TokenHash string
	Metrics   bool
	// Pprof mounts the runtime profiler under /v1/debug. It shares the
	// bearer token with the other /v1 routes.
	Pprof bool
}

// Orchestrator is the part of orchestrator.Service the API drives.
type Orchestrator interface {
	State() orchestrator.State
	TriggerAsync(mode string) error
}

// Store is the read side the API lists from.
type Store interface {
	ListJobs(ctx context.Context, includeInactive bool) ([]booking.Job, error)
	ListRunHistory(ctx context.Context, jobID int64, limit int) ([]storage.RunRecord, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg   Config
	orch  Orchestrator
	store Store
	log   logx.Logger

	srv *http.Server
	ln  net.Listener

	runtime func() any
}

func New(cfg Config, orch Orchestrator, store Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, orch: orch, store: store, log: log.With(logx.String("comp", "api"))}
}

// HashToken returns the bcrypt hash to put in api.token_hash.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics {
		r.Mount("/metrics", telemetry.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/state", s.handleState)
		r.Post("/trigger/{mode}", s.handleTrigger)
		r.Get("/jobs", s.handleJobs)
		r.Get("/history", s.handleHistory)
		r.Get("/runtime", s.handleRuntime)
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	if s.cfg.TokenHash == "" {
		s.log.Warn("api token_hash not set; /v1 routes are disabled")
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash == "" {
			writeError(w, http.StatusServiceUnavailable, "api token not configured")
			return
		}
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(strings.TrimSpace(tok))) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "storage": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetRuntime installs the source for GET /v1/runtime (supervisor and trigger stats).
func (s *Server) SetRuntime(fn func() any) { s.runtime = fn }

func (s *Server) handleRuntime(w http.ResponseWriter, _ *http.Request) {
	if s.runtime == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.runtime())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.State())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	err := s.orch.TriggerAsync(mode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "mode": mode})
	case errors.Is(err, orchestrator.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "state": s.orch.State()})
	case errors.Is(err, orchestrator.ErrUnknownMode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type jobView struct {
	ID             int64                `json:"id"`
	Account        string               `json:"account"`
	Venue          string               `json:"venue"`
	Recurrence     string               `json:"recurrence"`
	Days           []string             `json:"days"`
	PreferredTime  string               `json:"preferred_time"`
	Flexibility    int                  `json:"time_flexibility"`
	Duration       int                  `json:"preferred_duration"`
	MinDuration    int                  `json:"min_duration"`
	Strict         bool                 `json:"strict_duration"`
	MaxPerDay      int                  `json:"max_bookings_per_day"`
	Priority       int                  `json:"priority"`
	MinNoticeHours float64              `json:"min_notice_hours,omitempty"`
	Active         bool                 `json:"active"`
	LastRun        *time.Time           `json:"last_run,omitempty"`
	NextRun        *time.Time           `json:"next_run,omitempty"`
	LastAttempt    *booking.LastAttempt `json:"last_attempt,omitempty"`
}

func toJobView(j booking.Job) jobView {
	return jobView{
		ID: j.ID, Account: j.Account.Email, Venue: j.Venue, Recurrence: string(j.Recurrence), Days: j.Days,
		PreferredTime: j.Pref.Time.Preferred.String(), Flexibility: j.Pref.Time.FlexibilityMinutes,
		Duration: j.Pref.Duration.Preferred, MinDuration: j.Pref.Duration.Floor, Strict: j.Pref.Duration.Strict,
		MaxPerDay: j.MaxPerDay(), Priority: j.Priority, MinNoticeHours: j.MinNoticeHours, Active: j.Active,
		LastRun: j.LastRun, NextRun: j.NextRun, LastAttempt: j.LastAttempt,
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	jobs, err := s.store.ListJobs(r.Context(), all)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var jobID int64
	if v := q.Get("job"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job id")
			return
		}
		jobID = id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, err := s.store.ListRunHistory(r.Context(), jobID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
