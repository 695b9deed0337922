package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/codebroker/internal/healthgate"
	"github.com/obot-platform/codebroker/internal/registry"
	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/session"
)

var (
	errBackpressure = errors.New("handler: outbound queue overflow")
	errQueueClosed   = errors.New("handler: outbound queue closed")
)

// connection is the Connection Handler's per-connection state (C7): one
// WebSocket, one outbound writer task, and the sessions it owns (tracked
// by the Registry, keyed by this connection's id).
type connection struct {
	id       string
	ws       *websocket.Conn
	h        *Handler
	logger   *slog.Logger
	outbound *outboundQueue
	writerDone chan struct{}
}

func (h *Handler) newConnection(ws *websocket.Conn, id string) *connection {
	return &connection{
		id:         id,
		ws:         ws,
		h:          h,
		logger:     h.logger.With("connection_id", id),
		outbound:   newOutboundQueue(h.cfg.MaxOutboundQueueBytes),
		writerDone: make(chan struct{}),
	}
}

// writerLoop is the connection's single outbound writer (required by
// gorilla/websocket, and matches §5's "single writer" rule).
func (c *connection) writerLoop() {
	defer close(c.writerDone)
	for {
		msg, ok := c.outbound.pop()
		if !ok {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("write failed, closing connection", "error", err)
			return
		}
	}
}

func (c *connection) handleMessage(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(nil, "INVALID_INPUT", "malformed message")
		return
	}

	switch msg.Event {
	case "terminal:start":
		c.handleStart(msg.Data)
	case "terminal:input":
		c.handleInput(msg.Data)
	case "terminal:resize":
		c.handleResize(msg.Data)
	case "terminal:stop":
		c.handleStop(msg.Data)
	default:
		c.sendError(nil, "UNKNOWN_MESSAGE", fmt.Sprintf("unrecognized event %q", msg.Event))
	}
}

func (c *connection) handleStart(data json.RawMessage) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(nil, "INVALID_INPUT", "malformed start payload")
		return
	}
	if !c.h.cfg.SupportedLanguage(p.Language) {
		c.sendError(nil, "INVALID_INPUT", fmt.Sprintf("unsupported language %q", p.Language))
		return
	}

	admission := c.h.gate.AdmitStart(c.id)
	if !admission.Admitted {
		retry := int(admission.RetryAfter.Seconds())
		c.sendError(nil, "DOCKER_RATE_LIMITED", "sandbox start is rate limited", withRetryAfter(retry))
		return
	}

	cb := session.Callbacks{
		OnReady: c.sendReady,
		OnData:  c.sendData,
		OnExit:  c.sendExit,
		OnError: func(sessionID, code, message string) { c.sendError(&sessionID, code, message) },
	}

	sess, err := c.h.registry.Create(context.Background(), c.id, registry.CreateArgs{
		ProjectID: p.ProjectID, UserID: p.UserID, Language: p.Language, Cols: 80, Rows: 24,
	}, cb)
	if err != nil {
		if errors.Is(err, registry.ErrLimitExceeded) {
			c.sendError(nil, "LIMIT_EXCEEDED", "session limit exceeded")
			return
		}
		c.handleStartFailure(err)
		return
	}

	c.h.gate.OnStartOutcome(c.id, healthgate.OutcomeSuccess)
	c.logger.Info("session started", "session_id", sess.ID, "language", sess.Language)
}

func (c *connection) handleStartFailure(err error) {
	kind := sandbox.Classify(err)
	code := "DOCKER_UNAVAILABLE"
	switch kind {
	case sandbox.KindImageMissing:
		code = "DOCKER_IMAGE_MISSING"
	case sandbox.KindPermission:
		code = "EPERM"
	}

	result := c.h.gate.OnStartOutcome(c.id, healthgate.OutcomeSandboxUnavailable)
	c.sendError(nil, code, err.Error(),
		withFailureCount(result.FailureCount),
		withBackoffSeconds(result.BackoffSeconds),
		withRetryable(true),
	)
}

func (c *connection) handleInput(data json.RawMessage) {
	var p inputPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(nil, "INVALID_INPUT", "malformed input payload")
		return
	}
	sess := c.lookupOwned(p.SessionID)
	if sess == nil {
		return
	}

	bytes, err := c.h.validator.Validate(p.Data)
	if err != nil {
		c.sendError(&p.SessionID, "INVALID_INPUT", err.Error())
		return
	}

	if err := sess.Write(bytes); err != nil && errors.Is(err, session.ErrSessionClosed) {
		c.sendError(&p.SessionID, "SESSION_CLOSED", "session is closed")
	}
}

func (c *connection) handleResize(data json.RawMessage) {
	var p resizePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(nil, "INVALID_INPUT", "malformed resize payload")
		return
	}
	if p.Cols < 1 || p.Cols > 1000 || p.Rows < 1 || p.Rows > 1000 {
		c.sendError(&p.SessionID, "INVALID_INPUT", "cols/rows must be in [1, 1000]")
		return
	}
	sess := c.lookupOwned(p.SessionID)
	if sess == nil {
		return
	}
	if err := sess.Resize(p.Cols, p.Rows); err != nil {
		c.sendError(&p.SessionID, "INVALID_INPUT", err.Error())
	}
}

func (c *connection) handleStop(data json.RawMessage) {
	var p stopPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(nil, "INVALID_INPUT", "malformed stop payload")
		return
	}
	sess := c.lookupOwned(p.SessionID)
	if sess == nil {
		return
	}
	_ = sess.Stop("user requested")
}

// lookupOwned resolves sessionID, emitting SESSION_NOT_FOUND if it isn't
// live or isn't owned by this connection.
func (c *connection) lookupOwned(sessionID string) *session.Session {
	if !c.h.registry.OwnedBy(sessionID, c.id) {
		c.sendError(&sessionID, "SESSION_NOT_FOUND", "unknown session")
		return nil
	}
	sess, ok := c.h.registry.Get(sessionID)
	if !ok {
		c.sendError(&sessionID, "SESSION_NOT_FOUND", "unknown session")
		return nil
	}
	return sess
}

func (c *connection) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(wireMessage{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.outbound.push(msg)
}

func (c *connection) sendReady(sessionID string) {
	_ = c.send("terminal:ready", readyPayload{SessionID: sessionID})
}

// sendData propagates outbound backpressure to the Session: a non-nil
// return tells the Stream Processor's caller (the Session reader task) to
// terminate with OUTBOUND_BACKPRESSURE rather than block forever.
func (c *connection) sendData(sessionID string, chunk []byte) error {
	err := c.send("terminal:data", dataPayload{SessionID: sessionID, Chunk: string(chunk)})
	if errors.Is(err, errBackpressure) {
		return session.ErrBackpressure
	}
	return err
}

func (c *connection) sendExit(sessionID, reason string) {
	_ = c.send("terminal:exit", exitPayload{SessionID: sessionID, Reason: reason})
}

func (c *connection) sendError(sessionID *string, code, message string, opts ...errOpt) {
	p := errorPayload{SessionID: sessionID, Code: code, Message: message}
	for _, opt := range opts {
		opt(&p)
	}
	_ = c.send("terminal:error", p)
}
