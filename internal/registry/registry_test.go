package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/sandbox/mock"
	"github.com/obot-platform/codebroker/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSessionConfig() session.Config {
	return session.Config{
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

func TestRegistry_CreateAndGet(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 5, 100, discardLogger())

	sess, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash", Cols: 80, Rows: 24}, session.Callbacks{})
	require.NoError(t, err)

	got, ok := r.Get(sess.ID)
	assert.True(t, ok)
	assert.Same(t, sess, got)
	assert.True(t, r.OwnedBy(sess.ID, "conn-1"))
	assert.False(t, r.OwnedBy(sess.ID, "conn-2"))
}

func TestRegistry_CreateEnforcesPerConnectionLimit(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 1, 100, discardLogger())

	_, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.NoError(t, err)

	_, err = r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRegistry_CreateEnforcesGlobalLimit(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 100, 1, discardLogger())

	_, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.NoError(t, err)

	_, err = r.Create(context.Background(), "conn-2", CreateArgs{Language: "bash"}, session.Callbacks{})
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRegistry_CreateFailureDoesNotLeakSlot(t *testing.T) {
	adapter := mock.New()
	adapter.CreateInteractiveFunc = func(ctx context.Context, sessionID, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
		return nil, nil, sandbox.ErrUnavailable
	}
	r := New(adapter, testSessionConfig(), 1, 1, discardLogger())

	_, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, 0, r.Size(), "a failed Start must not leave a phantom session registered")
}

func TestRegistry_OnExitRemovesSessionFromRegistry(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 5, 100, discardLogger())

	sess, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.NoError(t, err)

	_ = sess.Stop("test teardown")
	<-sess.Done()

	require.Eventually(t, func() bool {
		_, ok := r.Get(sess.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	assert.False(t, r.OwnedBy(sess.ID, "conn-1"))
}

func TestRegistry_RemoveByConnectionStopsOnlyOwnedSessions(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 5, 100, discardLogger())

	s1, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.NoError(t, err)
	s2, err := r.Create(context.Background(), "conn-2", CreateArgs{Language: "bash"}, session.Callbacks{})
	require.NoError(t, err)

	r.RemoveByConnection("conn-1")

	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("session owned by conn-1 did not terminate")
	}

	_, ok := r.Get(s2.ID)
	assert.True(t, ok, "session owned by a different connection must survive")
}

func TestRegistry_RemoveAllStopsEverySession(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 5, 100, discardLogger())

	for i := 0; i < 5; i++ {
		_, err := r.Create(context.Background(), "conn-1", CreateArgs{Language: "bash"}, session.Callbacks{})
		require.NoError(t, err)
	}
	require.Equal(t, 5, r.Size())

	r.RemoveAll("shutdown", 2*time.Second)

	require.Eventually(t, func() bool {
		return r.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_GetUnknownSessionReturnsFalse(t *testing.T) {
	adapter := mock.New()
	r := New(adapter, testSessionConfig(), 5, 100, discardLogger())

	_, ok := r.Get("does-not-exist")
	assert.False(t, ok)
}
