// Package audit records one event per circulation state transition.
// Recording is fire-and-forget: a sink that cannot persist an event logs
// the loss and never propagates the failure into the operation that
// produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"circulate/internal/storage/adapters"
)

var json = jsoniter.ConfigFastest

// Event is one recorded state transition.
type Event struct {
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   uuid.UUID      `json:"target_id"`
	Detail     string         `json:"detail,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Sink persists audit events. Implementations must never return errors
// to the caller; auditing is not allowed to fail a circulation operation.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// DBSink writes audit events to the audit_events table.
type DBSink struct {
	q      adapters.Querier
	logger *slog.Logger
}

func NewDBSink(q adapters.Querier, logger *slog.Logger) *DBSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBSink{q: q, logger: logger}
}

// Record implements Sink.
func (s *DBSink) Record(ctx context.Context, event Event) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		s.logger.Warn("audit metadata not serializable, dropping it",
			"action", event.Action, "error", err)
		metadata = []byte("{}")
	}

	const insert = `INSERT INTO audit_events
		(id, actor_id, action, target_type, target_id, detail, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.q.Exec(ctx, insert,
		uuid.New(), event.ActorID, event.Action, event.TargetType,
		event.TargetID, event.Detail, string(metadata), time.Now().UTC(),
	)
	if err != nil {
		s.logger.Error("audit event lost",
			"action", event.Action,
			"target_type", event.TargetType,
			"target_id", event.TargetID,
			"error", err,
		)
	}
}

// SlogSink writes audit events to the structured log.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Record implements Sink.
func (s *SlogSink) Record(_ context.Context, event Event) {
	s.logger.Info("audit",
		"action", event.Action,
		"target_type", event.TargetType,
		"target_id", event.TargetID,
		"detail", event.Detail,
	)
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) {}
