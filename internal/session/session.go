// Package session implements the Session (C4) state machine: one
// PTY-attached sandbox, its reader task, its idle/lifetime timers, and the
// public operations the Connection Handler drives it with.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/stream"
)

// State is a position in the Session state machine (§4.4). Transitions are
// monotonic; there is no path back to an earlier state.
type State int

const (
	StateCreating State = iota
	StateReady
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by Write when the session is Stopping or
// Terminated (§4.4's "Write after Stopping" edge case).
var ErrSessionClosed = errors.New("session: closed")

// ErrInvalidResize is returned by Resize for non-positive dimensions.
var ErrInvalidResize = errors.New("session: cols and rows must be positive")

// Callbacks are the Session's non-owning hooks back to whatever holds it
// (the Registry/Connection Handler), per §9's "back-pointer for event
// emission only" note. None may block indefinitely; OnData's error return
// is how outbound backpressure (§5 MaxOutboundQueueBytes) is reported back.
type Callbacks struct {
	OnReady func(sessionID string)
	OnData  func(sessionID string, chunk []byte) error
	OnExit  func(sessionID string, reason string)
	OnError func(sessionID string, code string, message string)
}

// ErrBackpressure is returned by Callbacks.OnData to signal the outbound
// queue overflowed; the Session terminates with OUTBOUND_BACKPRESSURE.
var ErrBackpressure = errors.New("session: outbound backpressure")

// Config bundles the tunables a Session needs, sourced from the broker's
// top-level configuration.
type Config struct {
	AdapterCreateTimeout time.Duration
	AdapterResizeTimeout time.Duration
	AdapterStopTimeout   time.Duration
	AdapterRemoveTimeout time.Duration
	StopGrace            time.Duration
	IdleTimeout          time.Duration
	MaxLifetime          time.Duration
	MaxInputBytes        int
	MaxChunkBytes        int
	PreserveAnsi         bool
	PreserveControlChars bool
}

// Stats mirrors §3's Session.stats field.
type Stats struct {
	BytesIn   uint64
	BytesOut  uint64
	ChunksOut uint64
	Errors    uint64
}

// Session owns exactly one sandbox container for its lifetime (§3's
// invariant). Construct with New, then call Start.
type Session struct {
	ID                string
	OwnerConnectionID string
	ProjectID         string
	UserID            string
	Language          string
	CreatedAt         time.Time

	adapter   sandbox.Adapter
	cb        Callbacks
	cfg       Config
	logger    *slog.Logger
	validator *stream.Validator

	mu            sync.Mutex
	state         State
	handle        sandbox.Handle
	ioStream      sandbox.IOStream
	cols, rows    int
	pendingResize *sandbox.Size
	lastInputAt   time.Time
	lastOutputAt  time.Time

	processor *stream.Processor
	writeMu   sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	stopOnce   sync.Once
}

// New constructs a Session in state Creating. Call Start to provision its
// sandbox.
func New(id, ownerConnID, projectID, userID, language string, cols, rows int, adapter sandbox.Adapter, cb Callbacks, cfg Config, logger *slog.Logger) *Session {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:                id,
		OwnerConnectionID: ownerConnID,
		ProjectID:         projectID,
		UserID:            userID,
		Language:          language,
		CreatedAt:         time.Now(),
		adapter:           adapter,
		cb:                cb,
		cfg:               cfg,
		logger:            logger.With("component", "session", "session_id", id),
		validator:         stream.NewValidator(cfg.MaxInputBytes),
		state:             StateCreating,
		cols:              cols,
		rows:              rows,
		ctx:               ctx,
		cancel:            cancel,
		readerDone:        make(chan struct{}),
	}
	s.processor = stream.New(stream.Options{
		NormalizeLineEndings: true,
		PreserveControlChars: cfg.PreserveControlChars,
		PreserveAnsi:         cfg.PreserveAnsi,
		MaxChunkBytes:        cfg.MaxChunkBytes,
	}, func(chunk []byte) error {
		if cb.OnData == nil {
			return nil
		}
		return cb.OnData(id, chunk)
	})
	return s
}

// State returns the Session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the last applied (or queued) PTY dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Stats returns a snapshot of the Session's I/O counters.
func (s *Session) Stats() Stats {
	ps := s.processor.Stats()
	return Stats{BytesIn: ps.BytesIn, BytesOut: ps.BytesOut, ChunksOut: ps.ChunksOut, Errors: ps.Errors}
}

// Start provisions the sandbox and, on success, begins the reader and
// timer tasks. The returned error, if any, is a classified sandbox error
// (see sandbox.Classify) for the Health Gate to consume.
func (s *Session) Start(parent context.Context) error {
	createCtx, cancel := context.WithTimeout(parent, s.cfg.AdapterCreateTimeout)
	defer cancel()

	s.mu.Lock()
	size := sandbox.Size{Cols: s.cols, Rows: s.rows}
	s.mu.Unlock()

	handle, ioStream, err := s.adapter.CreateInteractive(createCtx, s.ID, s.Language, size)
	if err != nil {
		if errors.Is(createCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: create timed out: %v", sandbox.ErrUnavailable, err)
		}
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		close(s.readerDone)
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.ioStream = ioStream
	s.state = StateReady
	pending := s.pendingResize
	s.pendingResize = nil
	s.mu.Unlock()

	if pending != nil {
		s.applyResize(*pending)
	}

	if s.cb.OnReady != nil {
		s.cb.OnReady(s.ID)
	}

	go s.readerLoop()
	go s.timerLoop()

	return nil
}

// Write forwards already-validated bytes to the sandbox's stdin. Input
// ordering is preserved by serializing writes through writeMu (§5).
func (s *Session) Write(raw []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStopping || state == StateTerminated {
		return ErrSessionClosed
	}

	if len(raw) > 0 {
		s.mu.Lock()
		s.lastInputAt = time.Now()
		if s.state == StateReady {
			s.state = StateRunning
		}
		s.mu.Unlock()
	}
	if len(raw) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	out := s.ioStream
	s.mu.Unlock()
	if out == nil {
		return ErrSessionClosed
	}
	if _, err := out.Write(raw); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			go s.terminate("Terminal stream closed")
		}
		return err
	}
	return nil
}

// Resize changes the PTY dimensions. Before Ready it is queued and applied
// once the sandbox is attached (§4.4 edge case). The stored size is
// updated regardless of adapter success (law L1).
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidResize
	}
	size := sandbox.Size{Cols: cols, Rows: rows}

	s.mu.Lock()
	if s.state == StateCreating {
		s.pendingResize = &size
		s.cols, s.rows = cols, rows
		s.mu.Unlock()
		return nil
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	s.applyResize(size)
	return nil
}

func (s *Session) applyResize(size sandbox.Size) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AdapterResizeTimeout)
	defer cancel()
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}
	if err := s.adapter.Resize(ctx, h, size); err != nil {
		s.logger.Warn("resize failed", "error", err)
	}
}

// Stop begins session teardown. Idempotent (P6): a second call returns
// immediately without emitting another terminal:exit.
func (s *Session) Stop(reason string) error {
	if !s.markStopping() {
		return nil
	}
	go s.terminate(reason)
	return nil
}

// Done returns a channel closed once the Session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.readerDone
}

func (s *Session) markStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateTerminated {
		return false
	}
	s.state = StateStopping
	return true
}

// terminate runs exactly once per Session: it stops/removes the sandbox,
// waits for the reader task to observe EOF, and emits the single
// terminal:exit frame. Safe to call from multiple goroutines.
func (s *Session) terminate(reason string) {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()

		if h != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AdapterStopTimeout)
			grace := s.cfg.StopGrace
			if grace <= 0 {
				grace = 3 * time.Second
			}
			_ = s.adapter.Stop(stopCtx, h, grace)
			cancel()
		}

		safety := s.cfg.AdapterStopTimeout + s.cfg.AdapterRemoveTimeout + 5*time.Second
		select {
		case <-s.readerDone:
		case <-time.After(safety):
			s.logger.Warn("reader task did not exit before safety timeout")
		}

		if h != nil {
			removeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AdapterRemoveTimeout)
			_ = s.adapter.Remove(removeCtx, h)
			cancel()
		}

		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()

		if s.cb.OnExit != nil {
			s.cb.OnExit(s.ID, reason)
		}
	})
}

// readerLoop is the Session's single reader task (§4.4): it feeds sandbox
// output through the Stream Processor and emits terminal:data frames.
func (s *Session) readerLoop() {
	defer close(s.readerDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ioStream.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.lastOutputAt = time.Now()
			if s.state == StateReady {
				s.state = StateRunning
			}
			s.mu.Unlock()

			if perr := s.processor.Push(buf[:n]); perr != nil {
				s.emitError("OUTBOUND_BACKPRESSURE", "outbound queue overflow")
				s.markStopping()
				go s.terminate("outbound backpressure")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.emitError("INTERNAL", fmt.Sprintf("Terminal stream error: %v", err))
			}
			_ = s.processor.End()
			s.markStopping()
			go s.terminate("Terminal stream closed")
			return
		}
	}
}

// timerLoop enforces the idle and max-lifetime timeouts (§4.4).
func (s *Session) timerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	idle := s.cfg.IdleTimeout
	lifetime := s.cfg.MaxLifetime

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if lifetime > 0 && now.Sub(s.CreatedAt) >= lifetime {
				_ = s.Stop("lifetime exceeded")
				return
			}
			if idle > 0 {
				s.mu.Lock()
				last := s.lastActivityLocked()
				s.mu.Unlock()
				if now.Sub(last) >= idle {
					_ = s.Stop("idle timeout")
					return
				}
			}
		}
	}
}

func (s *Session) lastActivityLocked() time.Time {
	last := s.CreatedAt
	if s.lastInputAt.After(last) {
		last = s.lastInputAt
	}
	if s.lastOutputAt.After(last) {
		last = s.lastOutputAt
	}
	return last
}

func (s *Session) emitError(code, message string) {
	if s.cb.OnError != nil {
		s.cb.OnError(s.ID, code, message)
	}
}
