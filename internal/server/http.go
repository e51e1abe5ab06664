package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Briskmed/Scope/internal/config"
	"github.com/Briskmed/Scope/internal/metrics"
	"github.com/Briskmed/Scope/internal/session"
	"github.com/Briskmed/Scope/internal/transcription"
)

// EngineStats exposes the transcription engine's counters to the
// monitoring API.
type EngineStats interface {
	GetStats() transcription.Stats
}

// HTTPServer carries the websocket endpoint and the monitoring API.
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions *session.Manager
	engine   EngineStats
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxMessageSize    int64
	defaultSampleRate int

	startTime time.Time
}

// NewHTTPServer creates the HTTP server with all routes registered.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger,
	sessions *session.Manager, engine EngineStats, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:   logger,
		config:   cfg,
		sessions: sessions,
		engine:   engine,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary pages.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageSize:    cfg.Server.MaxMessageSize,
		defaultSampleRate: cfg.Audio.DefaultSampleRate,
		startTime:         time.Now(),
	}

	router := mux.NewRouter()
	h.setupRoutes(router)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.handleWebSocket)

	router.HandleFunc("/health", h.withMetrics("/health", h.handleHealth)).Methods("GET")
	router.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions)).Methods("GET")
	router.HandleFunc("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail)).Methods("GET")
	router.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats)).Methods("GET")

	router.Handle("/metrics", promhttp.Handler())

	router.HandleFunc("/", h.withMetrics("/", h.handleRoot)).Methods("GET")
}

// withMetrics wraps an HTTP handler with request metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.metrics != nil {
			h.metrics.HTTPRequests.WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode)).Inc()
			h.metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(startTime).Seconds())
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineStats := h.engine.GetStats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"components": map[string]any{
			"sessions": map[string]any{
				"status":       "running",
				"active_count": h.sessions.GetActiveSessionCount(),
			},
			"transcription": map[string]any{
				"status":          "running",
				"total_requests":  engineStats.TotalRequests,
				"success_rate":    engineStats.SuccessRate,
				"active_requests": engineStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.sessions.GetAllSessions()

	writeJSON(w, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, exists := h.sessions.Get(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s.GetInfo())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
		"transcription": h.engine.GetStats(),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "scope-transcription-service",
		"endpoints": map[string]string{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /sessions":      "List active transcription sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /stats":         "Service and transcription statistics",
			"GET /metrics":       "Prometheus metrics",
			"WS  /ws":            "Transcription session endpoint",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
