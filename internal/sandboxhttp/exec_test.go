package sandboxhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/registry"
	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/sandbox/mock"
	"github.com/obot-platform/codebroker/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		MaxSessionsPerConnection: 5,
		MaxGlobalSessions:        100,
		MaxInputBytes:            65536,
		MaxChunkBytes:            4096,
	}
}

func TestExec_ReturnsAdapterResult(t *testing.T) {
	adapter := mock.New()
	adapter.ExecFunc = func(ctx context.Context, sessionID, language string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte("hi\n")}, nil
	}
	reg := registry.New(adapter, session.Config{}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	body, _ := json.Marshal(execRequest{Language: "bash", Command: []string{"echo", "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/exec", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Exec(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp execResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "hi\n", resp.Stdout)
}

func TestExec_RejectsUnsupportedLanguage(t *testing.T) {
	adapter := mock.New()
	reg := registry.New(adapter, session.Config{}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	body, _ := json.Marshal(execRequest{Language: "cobol", Command: []string{"run"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/exec", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Exec(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExec_RejectsEmptyCommand(t *testing.T) {
	adapter := mock.New()
	reg := registry.New(adapter, session.Config{}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	body, _ := json.Marshal(execRequest{Language: "bash", Command: nil})
	req := httptest.NewRequest(http.MethodPost, "/v1/exec", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Exec(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExec_MapsUnavailableToServiceUnavailable(t *testing.T) {
	adapter := mock.New()
	adapter.ExecFunc = func(ctx context.Context, sessionID, language string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		return nil, sandbox.ErrUnavailable
	}
	reg := registry.New(adapter, session.Config{}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	body, _ := json.Marshal(execRequest{Language: "bash", Command: []string{"echo"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/exec", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Exec(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus_ReturnsSessionState(t *testing.T) {
	adapter := mock.New()
	reg := registry.New(adapter, session.Config{
		AdapterCreateTimeout: time.Second,
		AdapterStopTimeout:   time.Second,
		AdapterRemoveTimeout: time.Second,
	}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	sess, err := reg.Create(context.Background(), "conn-1", registry.CreateArgs{Language: "bash", Cols: 80, Rows: 24}, session.Callbacks{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/v1/sessions/{id}/status", h.Status)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.ID+"/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, sess.ID, resp["sessionId"])

	_ = sess.Stop("test done")
	<-sess.Done()
}

func TestStatus_UnknownSessionReturns404(t *testing.T) {
	adapter := mock.New()
	reg := registry.New(adapter, session.Config{}, 5, 100, discardLogger())
	h := New(testConfig(), adapter, reg, discardLogger())

	r := chi.NewRouter()
	r.Get("/v1/sessions/{id}/status", h.Status)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/does-not-exist/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
