// Package server exposes the HTTP/JSON control plane over the platform's
// data and control surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neotalk/neotalk/internal/adapters"
	"github.com/neotalk/neotalk/internal/agent"
	"github.com/neotalk/neotalk/internal/alerts"
	"github.com/neotalk/neotalk/internal/automation"
	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/decisions"
	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/internal/timeseries"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Deps bundles the surfaces the control plane exposes. Nil fields disable
// the corresponding endpoints.
type Deps struct {
	Bus       *bus.Bus
	Devices   *devices.Registry
	Store     *timeseries.Store
	Webhook   *adapters.WebhookAdapter
	Autos     *automation.Store
	Decisions *decisions.Manager
	Memory    *memory.Manager
	Alerts    *alerts.Manager
	Agent     *agent.Agent
	LLMUpdate func(ctx context.Context, settings json.RawMessage) error
}

// Server is the HTTP control plane.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New creates the server and wires its routes.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{config: config, deps: deps, logger: logger.With("component", "server")}
	mux := http.NewServeMux()
	s.routes(mux)
	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.config.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/devices/webhook/{device_id}", s.handleWebhookPost)
	mux.HandleFunc("GET /api/devices/webhook/{device_id}", s.handleWebhookInfo)
	// A literal "GET /api/devices/{device_id}/data" pattern would conflict
	// with the webhook info route above; the two-wildcard pattern is strictly
	// less specific, so webhook paths still reach handleWebhookInfo.
	mux.HandleFunc("GET /api/devices/{device_id}/{view}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("view") != "data" {
			writeError(w, http.StatusNotFound, "not_found", "unknown device resource", "")
			return
		}
		s.handleDeviceData(w, r)
	})

	mux.HandleFunc("GET /api/automations", s.handleListAutomations(""))
	mux.HandleFunc("GET /api/rules", s.handleListAutomations("rule"))
	mux.HandleFunc("GET /api/workflows", s.handleListAutomations("workflow"))
	mux.HandleFunc("GET /api/transforms", s.handleListAutomations("transform"))
	mux.HandleFunc("POST /api/automations", s.handleSaveAutomation)
	mux.HandleFunc("POST /api/rules", s.handleSaveAutomation)
	mux.HandleFunc("POST /api/workflows", s.handleSaveAutomation)
	mux.HandleFunc("POST /api/transforms", s.handleSaveAutomation)
	mux.HandleFunc("DELETE /api/automations/{id}", s.handleDeleteAutomation)
	mux.HandleFunc("GET /api/automations/{id}/executions", s.handleExecutions)

	mux.HandleFunc("GET /api/decisions", s.handleListDecisions)
	mux.HandleFunc("POST /api/decisions", s.handleCreateDecision)
	mux.HandleFunc("POST /api/decisions/{id}/execute", s.handleDecisionAction("execute"))
	mux.HandleFunc("POST /api/decisions/{id}/approve", s.handleDecisionAction("approve"))
	mux.HandleFunc("POST /api/decisions/{id}/reject", s.handleDecisionAction("reject"))
	mux.HandleFunc("GET /api/decisions/stats", s.handleDecisionStats)
	mux.HandleFunc("POST /api/decisions/cleanup", s.handleDecisionCleanup)

	mux.HandleFunc("GET /api/memory/short-term", s.handleShortTerm)
	mux.HandleFunc("DELETE /api/memory/short-term", s.handleClearShortTerm)
	mux.HandleFunc("GET /api/memory/mid-term", s.handleMidTerm)
	mux.HandleFunc("DELETE /api/memory/mid-term/{session}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/memory/long-term", s.handleSaveKnowledge)
	mux.HandleFunc("GET /api/memory/long-term/{id}", s.handleGetKnowledge)
	mux.HandleFunc("DELETE /api/memory/long-term/{id}", s.handleDeleteKnowledge)
	mux.HandleFunc("GET /api/memory/query", s.handleMemoryQuery)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAlertAck)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleAlertResolve)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/llm/settings", s.handleLLMSettings)

	mux.HandleFunc("GET /api/events/ws", s.handleEventStream)
}

// errorBody is the typed error response of the control plane.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, errorBody{ErrorCode: code, Message: message, Hint: hint})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventStream forwards bus events over a websocket until the client
// disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "event bus not configured", "")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.deps.Bus.Subscribe(ctx)

	for env := range sub.Events() {
		frame := map[string]any{
			"type":         env.Event.Type(),
			"published_at": env.PublishedAt,
			"event":        env.Event,
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func fmtError(err error) string { return fmt.Sprintf("%v", err) }
