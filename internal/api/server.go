// Package api exposes the actors over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"codeguard/internal/incidents"
	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/monitor"
	"codeguard/internal/orchestrator"
	"codeguard/internal/response"
	"codeguard/internal/telemetry"
	"codeguard/pkg/models"
)

const maxBodyBytes = 1 << 20

// Orchestrator is the orchestrator surface used by the API.
type Orchestrator interface {
	Analyze(ctx context.Context, task models.AnalyzeTask) (orchestrator.AnalysisResult, error)
	TriggerScan(ctx context.Context, task models.TriggerScanTask) (monitor.ScanResult, error)
	RouteMessage(ctx context.Context, msg models.AgentMessage) (orchestrator.Delivery, error)
	RegisterSubscriber(ctx context.Context, s orchestrator.Subscriber) error
	RemoveSubscriber(ctx context.Context, s orchestrator.Subscriber) error
	Status(ctx context.Context) (orchestrator.Status, error)
	Monitor(chain string) (orchestrator.MonitorClient, error)
}

// Responder is the response actor surface used by the API.
type Responder interface {
	EmergencyPause(ctx context.Context, task models.EmergencyPauseTask) (response.Result, error)
	Execute(ctx context.Context, task models.ExecuteTask) (response.Result, error)
	Unpause(ctx context.Context, subjectID string) (response.Result, error)
	Status(ctx context.Context) (response.Status, error)
}

// Config controls the HTTP surface.
type Config struct {
	ServiceName    string
	AllowedOrigins []string
	SendTimeout    time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	orch      Orchestrator
	responder Responder
	incidents incidents.Store
	metrics   *metrics.Metrics
	cfg       Config
}

// NewServer creates the API server. metrics may be nil.
func NewServer(orch Orchestrator, responder Responder, store incidents.Store, m *metrics.Metrics, cfg Config) *Server {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{orch: orch, responder: responder, incidents: store, metrics: m, cfg: cfg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	r.Use(c.Handler)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(telemetry.HTTPMiddleware(s.cfg.ServiceName))

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/monitor/{chain}", func(r chi.Router) {
		r.Post("/subscribe", s.subscribe)
		r.Post("/scan", s.scan)
		r.Get("/status", s.monitorStatus)
	})

	r.Route("/orchestrator", func(r chi.Router) {
		r.Post("/analyze", s.analyze)
		r.Post("/trigger-scan", s.triggerScan)
		r.Post("/messages", s.routeMessage)
		r.Get("/ws", s.stream)
		r.Get("/status", s.orchestratorStatus)
	})

	r.Route("/response", func(r chi.Router) {
		r.Post("/emergency-pause", s.emergencyPause)
		r.Post("/execute", s.execute)
		r.Post("/unpause", s.unpause)
		r.Get("/status", s.responseStatus)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/register-contract", s.subscribe)
		r.Post("/analyze-contract", s.analyze)
		r.Get("/incidents", s.listIncidents)
		r.Post("/incidents/{id}/resolve", s.resolveIncident)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Logger().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}
