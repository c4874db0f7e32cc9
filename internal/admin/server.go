// Package admin serves health, metrics and the manual claim trigger.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"autoclaim/internal/batch"
	"autoclaim/internal/poller"
	"autoclaim/pkg/logger"
	"autoclaim/pkg/middleware"
	"autoclaim/pkg/openapi"
	"autoclaim/pkg/problems"
)

// Trigger is the claim batch run.
type Trigger interface {
	Name() string
	Start(ctx context.Context) error
	Running() bool
	Last() (batch.Summary, bool)
}

type Feed interface {
	Name() string
	State() poller.State
	LastTick() time.Time
}

// Schedule reports the next timer fire.
type Schedule interface {
	Next(now time.Time) time.Time
}

type Server struct {
	log      *zap.SugaredLogger
	claims   Trigger
	feeds    []Feed
	schedule Schedule
	token    string
	gatherer prometheus.Gatherer
	now      func() time.Time

	// runs started from HTTP outlive their request
	runCtx context.Context
}

type Option func(*Server)

func WithFeeds(f ...Feed) Option                { return func(s *Server) { s.feeds = append(s.feeds, f...) } }
func WithSchedule(sc Schedule) Option           { return func(s *Server) { s.schedule = sc } }
func WithToken(token string) Option             { return func(s *Server) { s.token = token } }
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }
func WithLogger(log *zap.SugaredLogger) Option  { return func(s *Server) { s.log = log } }
func WithClock(now func() time.Time) Option     { return func(s *Server) { s.now = now } }

// New builds the server. Runs it starts are bound to runCtx, normally the
// process lifetime context.
func New(runCtx context.Context, claims Trigger, opts ...Option) *Server {
	s := &Server{
		log:      logger.Nop(),
		claims:   claims,
		gatherer: prometheus.DefaultGatherer,
		now:      time.Now,
		runCtx:   runCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]bool{"ok": true}, http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/openapi.json", apiDoc().ServeHandler("autoclaimd", "v1"))

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.auth)
		ar.Post("/claims/run", s.runClaims)
		ar.Get("/status", s.status)
	})
	return otelhttp.NewHandler(r, "admin")
}

func apiDoc() *openapi.Registry {
	doc := openapi.NewRegistry()
	doc.Register(openapi.Operation{Method: http.MethodGet, Path: "/healthz", Summary: "Liveness probe",
		Responses: map[string]string{"200": "process is up"}})
	doc.Register(openapi.Operation{Method: http.MethodGet, Path: "/metrics", Summary: "Prometheus metrics",
		Responses: map[string]string{"200": "text exposition"}})
	doc.Register(openapi.Operation{Method: http.MethodPost, Path: "/admin/claims/run", Summary: "Start a claim run now",
		Tags: []string{"claims"}, Bearer: true,
		Responses: map[string]string{
			"202": "run started",
			"401": "missing or wrong bearer token",
			"409": "a run is already active",
			"503": "this replica is not the leader",
		}})
	doc.Register(openapi.Operation{Method: http.MethodGet, Path: "/admin/status", Summary: "Job and feed status",
		Tags: []string{"claims", "feeds"}, Bearer: true,
		Responses: map[string]string{"200": "status document", "401": "missing or wrong bearer token"}})
	return doc
}

// auth requires the bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				problems.Write(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "admin bearer token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) runClaims(w http.ResponseWriter, r *http.Request) {
	err := s.claims.Start(s.runCtx)
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		problems.Write(w, http.StatusConflict, "run-in-progress", "Run in progress", "a claim run is already active")
		return
	case errors.Is(err, batch.ErrNotLeader):
		problems.Write(w, http.StatusServiceUnavailable, "not-leader", "Not leader", "another replica owns scheduled work")
		return
	case err != nil:
		s.log.Errorw("manual run failed to start", "err", err)
		problems.Write(w, http.StatusInternalServerError, "internal", "Internal error", "")
		return
	}
	s.log.Infow("manual claim run started", "request_id", middleware.RequestIDFrom(r.Context()))
	writeJSON(w, map[string]string{"status": "started", "job": s.claims.Name()}, http.StatusAccepted)
}

type jobStatus struct {
	Name    string         `json:"name"`
	Running bool           `json:"running"`
	NextRun *time.Time     `json:"next_run,omitempty"`
	Last    *batch.Summary `json:"last,omitempty"`
}

type feedStatus struct {
	Name     string     `json:"name"`
	State    string     `json:"state"`
	LastTick *time.Time `json:"last_tick,omitempty"`
}

type statusResp struct {
	Jobs  []jobStatus  `json:"jobs"`
	Feeds []feedStatus `json:"feeds"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	js := jobStatus{Name: s.claims.Name(), Running: s.claims.Running()}
	if last, ok := s.claims.Last(); ok {
		js.Last = &last
	}
	if s.schedule != nil {
		next := s.schedule.Next(s.now())
		js.NextRun = &next
	}
	resp := statusResp{Jobs: []jobStatus{js}, Feeds: []feedStatus{}}
	for _, f := range s.feeds {
		fs := feedStatus{Name: f.Name(), State: f.State().String()}
		if t := f.LastTick(); !t.IsZero() {
			fs.LastTick = &t
		}
		resp.Feeds = append(resp.Feeds, fs)
	}
	writeJSON(w, resp, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
