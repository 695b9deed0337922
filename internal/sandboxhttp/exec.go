// Package sandboxhttp implements the supplemented non-interactive execute
// endpoint and the session-status introspection endpoint. Both share the
// sandbox adapter but not the Session/Registry machinery (spec.md §1, §9
// Open Question 4).
package sandboxhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/registry"
	"github.com/obot-platform/codebroker/internal/sandbox"
)

// Handler exposes the run-once execute endpoint and session-status probe.
type Handler struct {
	cfg      *config.Config
	adapter  sandbox.Adapter
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a sandboxhttp Handler.
func New(cfg *config.Config, adapter sandbox.Adapter, reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{cfg: cfg, adapter: adapter, registry: reg, logger: logger.With("component", "sandboxhttp")}
}

type execRequest struct {
	Language string   `json:"language"`
	Command  []string `json:"command"`
	Stdin    string   `json:"stdin,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs POST /v1/exec: a single non-interactive command to completion,
// independent of any interactive session.
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if !h.cfg.SupportedLanguage(req.Language) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported language"})
		return
	}
	if len(req.Command) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command must not be empty"})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var opts sandbox.ExecOptions
	opts.Timeout = timeout
	if req.Stdin != "" {
		opts.Stdin = strings.NewReader(req.Stdin)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout+5*time.Second)
	defer cancel()

	sessionID := "exec-" + uuid.NewString()
	result, err := h.adapter.Exec(ctx, sessionID, req.Language, req.Command, opts)
	if err != nil {
		kind := sandbox.Classify(err)
		status := http.StatusInternalServerError
		if kind == sandbox.KindImageMissing || kind == sandbox.KindPermission || kind == sandbox.KindUnavailable {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, execResponse{
		ExitCode: result.ExitCode,
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
	})
}

// Status handles GET /v1/sessions/{id}/status: a cheap poll of a session's
// state-machine position, for clients deciding whether to reconnect.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := h.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	cols, rows := sess.Size()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"state":     sess.State().String(),
		"language":  sess.Language,
		"cols":      cols,
		"rows":      rows,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
