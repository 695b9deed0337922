// Package registry implements the Session Registry (C5): the map from
// sessionId to Session and connectionId to its owned sessions, the cap
// enforcement, and bounded-concurrency bulk teardown.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/session"
)

// ErrLimitExceeded is returned by Create when either the per-connection or
// the global session cap would be exceeded (§4.5).
var ErrLimitExceeded = errors.New("registry: session limit exceeded")

// CreateArgs carries the fields a terminal:start frame supplies.
type CreateArgs struct {
	ProjectID string
	UserID    string
	Language  string
	Cols      int
	Rows      int
}

// Registry owns every live Session. All mutations are serialized through a
// single mutex (§4.5's "single logical lock"); read paths (Get) take the
// same lock so they're always consistent with in-flight Create/Remove.
type Registry struct {
	mu               sync.Mutex
	sessions         map[string]*session.Session
	byConnection     map[string]map[string]struct{}
	maxPerConnection int
	maxGlobal        int

	adapter    sandbox.Adapter
	sessionCfg session.Config
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(adapter sandbox.Adapter, sessionCfg session.Config, maxPerConnection, maxGlobal int, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:         make(map[string]*session.Session),
		byConnection:     make(map[string]map[string]struct{}),
		maxPerConnection: maxPerConnection,
		maxGlobal:        maxGlobal,
		adapter:          adapter,
		sessionCfg:       sessionCfg,
		logger:           logger.With("component", "registry"),
	}
}

// Create allocates and starts a new Session owned by connID. The Session
// is visible via Get before Start is called, so lookups racing with
// provisioning are consistent (§4.5). cb is the caller's event sink,
// wrapped so that terminal-phase cleanup always unregisters the session
// from the Registry's maps exactly once.
func (r *Registry) Create(ctx context.Context, connID string, args CreateArgs, cb session.Callbacks) (*session.Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxGlobal {
		r.mu.Unlock()
		return nil, ErrLimitExceeded
	}
	owned := r.byConnection[connID]
	if len(owned) >= r.maxPerConnection {
		r.mu.Unlock()
		return nil, ErrLimitExceeded
	}

	id := uuid.NewString()
	wrapped := cb
	wrapped.OnExit = func(sessionID string, reason string) {
		r.Remove(sessionID)
		if cb.OnExit != nil {
			cb.OnExit(sessionID, reason)
		}
	}

	sess := session.New(id, connID, args.ProjectID, args.UserID, args.Language, args.Cols, args.Rows, r.adapter, wrapped, r.sessionCfg, r.logger)

	r.sessions[id] = sess
	if r.byConnection[connID] == nil {
		r.byConnection[connID] = make(map[string]struct{})
	}
	r.byConnection[connID][id] = struct{}{}
	r.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		r.Remove(id)
		return nil, err
	}
	return sess, nil
}

// Get looks up a live session by id.
func (r *Registry) Get(sessionID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// OwnedBy reports whether sessionID belongs to connID, used by the
// Connection Handler to enforce ownership before dispatching input/resize/
// stop frames.
func (r *Registry) OwnedBy(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byConnection[connID]
	if !ok {
		return false
	}
	_, owned := set[sessionID]
	return owned
}

// Remove deletes sessionID from both maps. Safe to call multiple times.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if set, ok := r.byConnection[s.OwnerConnectionID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byConnection, s.OwnerConnectionID)
		}
	}
}

// RemoveByConnection stops every session owned by connID. Idempotent: a
// connection with no sessions (or already-stopped ones) is a no-op.
func (r *Registry) RemoveByConnection(connID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byConnection[connID]))
	for id := range r.byConnection[connID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if s, ok := r.Get(id); ok {
			_ = s.Stop("connection closed")
		}
	}
}

// RemoveAll stops every live session with bounded concurrency, used on
// broker shutdown (§4.8). It waits up to grace for sessions to finish
// cleanup on their own before returning.
func (r *Registry) RemoveAll(reason string, grace time.Duration) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	const maxConcurrency = 16
	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for _, s := range sessions {
		g.Go(func() error {
			_ = s.Stop(reason)
			select {
			case <-s.Done():
			case <-time.After(grace):
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Size returns the number of currently live sessions, for /health and
// status reporting.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
