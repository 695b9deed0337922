package handler

import "encoding/json"

// wireMessage is the framing envelope for every message on the connection
// transport (§6): an event name plus a JSON-compatible payload.
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type startPayload struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Language  string `json:"language"`
}

type inputPayload struct {
	SessionID string `json:"sessionId"`
	Data      any    `json:"data"`
}

type resizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type stopPayload struct {
	SessionID string `json:"sessionId"`
}

type readyPayload struct {
	SessionID string `json:"sessionId"`
}

type dataPayload struct {
	SessionID string `json:"sessionId"`
	Chunk     string `json:"chunk"`
}

type exitPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Code      *int   `json:"code,omitempty"`
}

type errorPayload struct {
	SessionID           *string  `json:"sessionId,omitempty"`
	Code                string   `json:"code"`
	Message             string   `json:"message"`
	FailureCount        *int     `json:"failureCount,omitempty"`
	BackoffSeconds      *int     `json:"backoffSeconds,omitempty"`
	RetryAfter          *int     `json:"retryAfter,omitempty"`
	IsRetryable         *bool    `json:"isRetryable,omitempty"`
	RecoverySuggestions []string `json:"recoverySuggestions,omitempty"`
}

type errOpt func(*errorPayload)

func withFailureCount(n int) errOpt     { return func(p *errorPayload) { p.FailureCount = &n } }
func withBackoffSeconds(n int) errOpt   { return func(p *errorPayload) { p.BackoffSeconds = &n } }
func withRetryAfter(n int) errOpt       { return func(p *errorPayload) { p.RetryAfter = &n } }
func withRetryable(b bool) errOpt       { return func(p *errorPayload) { p.IsRetryable = &b } }
func withSuggestions(s ...string) errOpt {
	return func(p *errorPayload) { p.RecoverySuggestions = s }
}
