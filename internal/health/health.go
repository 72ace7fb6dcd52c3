// Package health exposes liveness and readiness endpoints.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"circulate/internal/scheduler"
)

var json = jsoniter.ConfigFastest

// DBProber checks database connectivity.
type DBProber interface {
	Ping(ctx context.Context) error
}

// SchedulerReporter exposes scheduler state for the health report.
type SchedulerReporter interface {
	Running() bool
	Snapshot() []scheduler.JobState
}

type report struct {
	Timestamp string          `json:"timestamp"`
	Scheduler schedulerReport `json:"scheduler"`
	Database  databaseReport  `json:"database"`
}

type schedulerReport struct {
	Running bool                 `json:"running"`
	Jobs    []scheduler.JobState `json:"jobs"`
}

type databaseReport struct {
	Status string `json:"status"`
}

// Handler serves /health and /ping.
type Handler struct {
	db        DBProber
	scheduler SchedulerReporter
	logger    *slog.Logger
}

func NewHandler(db DBProber, sched SchedulerReporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, scheduler: sched, logger: logger}
}

// Health reports scheduler and database state. It returns 503 when the
// database is unreachable or the scheduler is not running.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rep := report{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Scheduler: schedulerReport{
			Running: h.scheduler.Running(),
			Jobs:    h.scheduler.Snapshot(),
		},
		Database: databaseReport{Status: "ok"},
	}

	healthy := rep.Scheduler.Running
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health probe: database unreachable", "error", err)
		rep.Database.Status = "unreachable"
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		h.logger.Warn("failed to write health response", "error", err)
	}
}

// Ping is a bare liveness probe.
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}
