// Package handler implements the Connection Handler (C7): the per-connection
// event loop that parses the wire protocol, authorizes requests against
// session ownership, and dispatches to the Registry and Sessions it holds.
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/healthgate"
	"github.com/obot-platform/codebroker/internal/registry"
	"github.com/obot-platform/codebroker/internal/stream"
)

// Handler accepts WebSocket upgrades and runs one connection loop per
// client. It holds no per-connection state itself — that lives in
// connection — only the process-wide singletons the Broker Server (C8)
// constructed.
type Handler struct {
	cfg       *config.Config
	registry  *registry.Registry
	gate      *healthgate.Gate
	validator *stream.Validator
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a Connection Handler.
func New(cfg *config.Config, reg *registry.Registry, gate *healthgate.Gate, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:       cfg,
		registry:  reg,
		gate:      gate,
		validator: stream.NewValidator(cfg.MaxInputBytes),
		logger:    logger.With("component", "connection_handler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.CORSDebug {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request to a WebSocket and runs the connection's
// event loop until the client disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	conn := h.newConnection(ws, connID)
	conn.logger.Info("connection accepted")

	go conn.writerLoop()

	defer func() {
		if rec := recover(); rec != nil {
			conn.logger.Error("connection handler panic recovered", "panic", rec)
		}
		h.registry.RemoveByConnection(connID)
		h.gate.Forget(connID)
		conn.outbound.close()
		<-conn.writerDone
		ws.Close()
		conn.logger.Info("connection closed")
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.handleMessage(raw)
	}
}
