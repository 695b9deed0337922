package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/sandbox/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		AdapterCreateTimeout: time.Second,
		AdapterResizeTimeout: time.Second,
		AdapterStopTimeout:   time.Second,
		AdapterRemoveTimeout: time.Second,
		StopGrace:            10 * time.Millisecond,
		MaxInputBytes:        65536,
		MaxChunkBytes:        4096,
		PreserveAnsi:         true,
		PreserveControlChars: true,
	}
}

type recorder struct {
	mu      sync.Mutex
	ready   []string
	data    [][]byte
	exits   []string
	errCode []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnReady: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ready = append(r.ready, id)
		},
		OnData: func(id string, chunk []byte) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			cp := make([]byte, len(chunk))
			copy(cp, chunk)
			r.data = append(r.data, cp)
			return nil
		},
		OnExit: func(id, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exits = append(r.exits, reason)
		},
		OnError: func(id, code, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errCode = append(r.errCode, code)
		},
	}
}

func (r *recorder) exitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exits)
}

func TestSession_StartTransitionsToReadyAndCallsOnReady(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())

	rec.mu.Lock()
	assert.Equal(t, []string{"sess-1"}, rec.ready)
	rec.mu.Unlock()

	_ = s.Stop("test done")
	<-s.Done()
}

func TestSession_StartFailurePropagatesClassifiedError(t *testing.T) {
	adapter := mock.New()
	adapter.CreateInteractiveFunc = func(ctx context.Context, sessionID, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
		return nil, nil, sandbox.ErrImageMissing
	}
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, sandbox.KindImageMissing, sandbox.Classify(err))
	assert.Equal(t, StateTerminated, s.State())
}

func TestSession_WriteTransitionsReadyToRunning(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Write([]byte("ls\n")))
	assert.Equal(t, StateRunning, s.State())

	_ = s.Stop("done")
	<-s.Done()
}

func TestSession_WriteAfterStopReturnsErrSessionClosed(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop("shutting down"))
	<-s.Done()

	err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop("reason one"))
	require.NoError(t, s.Stop("reason two"))
	<-s.Done()

	assert.Equal(t, 1, rec.exitCount(), "Stop must be idempotent: exactly one terminal:exit")
}

func TestSession_ResizeBeforeReadyIsQueuedThenApplied(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())

	require.NoError(t, s.Resize(120, 40))
	cols, rows := s.Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)

	require.NoError(t, s.Start(context.Background()))

	sessions := adapter.Sessions()
	live, ok := sessions["sess-1"]
	require.True(t, ok)
	assert.Equal(t, sandbox.Size{Cols: 120, Rows: 40}, live.Size, "queued resize must be applied once the sandbox is attached")

	_ = s.Stop("done")
	<-s.Done()
}

func TestSession_ResizeRejectsNonPositiveDimensions(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())

	err := s.Resize(0, 10)
	assert.ErrorIs(t, err, ErrInvalidResize)
}

func TestSession_SandboxEOFTriggersTermination(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	sessions := adapter.Sessions()
	live, ok := sessions["sess-1"]
	require.True(t, ok)
	live.Stream.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after sandbox stream closed")
	}
	assert.Equal(t, StateTerminated, s.State())
}

func TestSession_OutboundBackpressureTerminatesWithError(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnData = func(id string, chunk []byte) error { return ErrBackpressure }
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, cb, testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	sessions := adapter.Sessions()
	live, ok := sessions["sess-1"]
	require.True(t, ok)
	live.Stream.Feed([]byte("some output"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on backpressure")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.errCode, "OUTBOUND_BACKPRESSURE")
}

func TestSession_DataFlowsThroughToCallback(t *testing.T) {
	adapter := mock.New()
	rec := &recorder{}
	s := New("sess-1", "conn-1", "proj", "user", "bash", 80, 24, adapter, rec.callbacks(), testConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	sessions := adapter.Sessions()
	live, ok := sessions["sess-1"]
	require.True(t, ok)
	live.Stream.Feed([]byte("hello\n"))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.data) > 0
	}, time.Second, 10*time.Millisecond)

	_ = s.Stop("done")
	<-s.Done()
}
