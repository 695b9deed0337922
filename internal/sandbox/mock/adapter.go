// Package mock provides an in-memory sandbox.Adapter for tests that need to
// drive the Health Gate and Session state machine through failure scenarios
// without a real container runtime.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/obot-platform/codebroker/internal/sandbox"
)

// Adapter is a mock sandbox.Adapter. Each *Func field, when non-nil,
// overrides the corresponding method's default (successful) behavior —
// set them to inject failures in tests.
type Adapter struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	CreateInteractiveFunc func(ctx context.Context, sessionID, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error)
	ResizeFunc            func(ctx context.Context, h sandbox.Handle, size sandbox.Size) error
	StopFunc              func(ctx context.Context, h sandbox.Handle, grace time.Duration) error
	RemoveFunc            func(ctx context.Context, h sandbox.Handle) error
	PingFunc              func(ctx context.Context) error
	ExecFunc              func(ctx context.Context, sessionID, language string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)
}

// Session records a live mock session for test assertions.
type Session struct {
	SessionID string
	Language  string
	Size      sandbox.Size
	Stream    *Pipe
	Resizes   []sandbox.Size
}

// New creates an empty mock adapter.
func New() *Adapter {
	return &Adapter{sessions: make(map[string]*Session)}
}

type handle struct{ sessionID string }

func (h *handle) SessionID() string { return h.sessionID }

func (a *Adapter) CreateInteractive(ctx context.Context, sessionID, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
	if a.CreateInteractiveFunc != nil {
		return a.CreateInteractiveFunc(ctx, sessionID, language, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sessions[sessionID]; exists {
		return nil, nil, sandbox.ErrAlreadyExists
	}

	pipe := newPipe()
	a.sessions[sessionID] = &Session{SessionID: sessionID, Language: language, Size: size, Stream: pipe}
	return &handle{sessionID: sessionID}, pipe, nil
}

func (a *Adapter) Resize(ctx context.Context, h sandbox.Handle, size sandbox.Size) error {
	if a.ResizeFunc != nil {
		return a.ResizeFunc(ctx, h, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[h.SessionID()]
	if !ok {
		return sandbox.ErrNotFound
	}
	s.Size = size
	s.Resizes = append(s.Resizes, size)
	return nil
}

func (a *Adapter) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	if a.StopFunc != nil {
		return a.StopFunc(ctx, h, grace)
	}
	a.mu.RLock()
	s, ok := a.sessions[h.SessionID()]
	a.mu.RUnlock()
	if !ok {
		return sandbox.ErrNotFound
	}
	s.Stream.closeWriteSide()
	return nil
}

func (a *Adapter) Remove(ctx context.Context, h sandbox.Handle) error {
	if a.RemoveFunc != nil {
		return a.RemoveFunc(ctx, h)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[h.SessionID()]
	if !ok {
		return nil // idempotent
	}
	s.Stream.Close()
	delete(a.sessions, h.SessionID())
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if a.PingFunc != nil {
		return a.PingFunc(ctx)
	}
	return nil
}

func (a *Adapter) Exec(ctx context.Context, sessionID, language string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if a.ExecFunc != nil {
		return a.ExecFunc(ctx, sessionID, language, cmd, opts)
	}
	return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte("mock output\n")}, nil
}

// Sessions returns a snapshot of live sessions, for test assertions.
func (a *Adapter) Sessions() map[string]*Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*Session, len(a.sessions))
	for k, v := range a.sessions {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Pipe is an in-memory sandbox.IOStream: writes to it are readable back as
// the sandbox's "output", and it can be scripted by tests via Feed.
type Pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPipe() *Pipe {
	p := &Pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed makes b available to the next Read call, simulating sandbox output.
func (p *Pipe) Feed(b []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 && p.closed {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// Write records input sent by the session; by default it is echoed back,
// which is convenient for tests exercising the data path end-to-end.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	p.mu.Unlock()
	return len(b), nil
}

func (p *Pipe) Close() error {
	p.closeWriteSide()
	return nil
}

func (p *Pipe) closeWriteSide() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
