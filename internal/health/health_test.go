package health

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulate/internal/scheduler"
)

type fakeProber struct{ err error }

func (f fakeProber) Ping(context.Context) error { return f.err }

type fakeReporter struct {
	running bool
	jobs    []scheduler.JobState
}

func (f fakeReporter) Running() bool                  { return f.running }
func (f fakeReporter) Snapshot() []scheduler.JobState { return f.jobs }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doHealth(h *Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rec
}

func TestHealthyReport(t *testing.T) {
	h := NewHandler(fakeProber{}, fakeReporter{
		running: true,
		jobs:    []scheduler.JobState{{ID: "expire_loans", LastStatus: "ok"}},
	}, testLogger())

	rec := doHealth(h)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scheduler struct {
			Running bool                 `json:"running"`
			Jobs    []scheduler.JobState `json:"jobs"`
		} `json:"scheduler"`
		Database struct {
			Status string `json:"status"`
		} `json:"database"`
	}
	require.NoError(t, stdjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Scheduler.Running)
	require.Len(t, body.Scheduler.Jobs, 1)
	assert.Equal(t, "expire_loans", body.Scheduler.Jobs[0].ID)
	assert.Equal(t, "ok", body.Database.Status)
}

func TestUnreachableDatabaseIsUnhealthy(t *testing.T) {
	h := NewHandler(fakeProber{err: errors.New("refused")}, fakeReporter{running: true}, testLogger())

	rec := doHealth(h)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unreachable"`)
}

func TestStoppedSchedulerIsUnhealthy(t *testing.T) {
	h := NewHandler(fakeProber{}, fakeReporter{running: false}, testLogger())
	assert.Equal(t, http.StatusServiceUnavailable, doHealth(h).Code)
}

func TestPing(t *testing.T) {
	h := NewHandler(fakeProber{}, fakeReporter{}, testLogger())
	rec := httptest.NewRecorder()
	h.Ping(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}
