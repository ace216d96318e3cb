// Package statusapi serves the daemon's health, status and metrics over HTTP
package statusapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/3mdistal/ralph/internal/events"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/workflow"
	"github.com/3mdistal/ralph/pkg/telemetry"
	"github.com/3mdistal/ralph/pkg/types"
)

// StatusSource provides the daemon snapshot
type StatusSource interface {
	Snapshot(ctx context.Context) (workflow.Snapshot, error)
}

// Pauser holds back or releases new work
type Pauser interface {
	Pause()
	Unpause()
	Paused() bool
}

// Options configures a Server
type Options struct {
	Addr        string
	Status      StatusSource
	Escalations queue.Escalations
	Pause       Pauser
	Events      *events.Bus  // nil disables /events
	Metrics     http.Handler // nil disables /metrics
	Verbose     bool
}

// Server is the status HTTP server
type Server struct {
	opts         Options
	server       *http.Server
	started      time.Time
	requestCount atomic.Int64
}

// New creates a status server
func New(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now()}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/escalations", s.handleEscalations).Methods("GET")
	if s.opts.Pause != nil {
		router.HandleFunc("/pause", s.handlePause(true)).Methods("POST")
		router.HandleFunc("/unpause", s.handlePause(false)).Methods("POST")
	}
	if s.opts.Events != nil {
		router.HandleFunc("/events", s.handleEvents).Methods("GET")
	}
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "ralph.status",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "ralph.status " + r.Method + " " + r.URL.Path
		}))
	return handler
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown, including one that happened before Start.
func (s *Server) Start() error {
	log.Printf("📡 Status server listening on %s", s.opts.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"requests": s.requestCount.Load(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}
	snap, err := s.opts.Status.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Escalations == nil {
		respondError(w, http.StatusServiceUnavailable, "escalations unavailable")
		return
	}
	status := types.EscalationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.EscalationPending
	}
	list, err := s.opts.Escalations.ListEscalationsByStatus(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*types.Escalation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"escalations": list,
	})
}

func (s *Server) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pause {
			s.opts.Pause.Pause()
		} else {
			s.opts.Pause.Unpause()
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.opts.Pause.Paused()})
	}
}

// handleEvents streams matching events as JSON lines until the client goes
// away or the bus closes
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	filter := events.EventFilter{Repo: q.Get("repo"), TaskPath: q.Get("task")}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, events.EventType(t))
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.opts.Events.Stream(r.Context(), "http "+r.RemoteAddr, filter) {
		data, err := events.FormatEvent(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Ignore errors
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.opts.Verbose {
			log.Printf("[status] %s %s (%v) trace=%s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond), telemetry.GetTraceID(r.Context()))
		}
	})
}
