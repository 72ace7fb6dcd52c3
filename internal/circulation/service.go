// internal/circulation/service.go
package circulation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"circulate/internal/audit"
)

// Service defines the circulation engine's operations.
type Service interface {
	Checkout(ctx context.Context, patronID, titleID uuid.UUID) (*Loan, error)
	Renew(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	Return(ctx context.Context, loanID uuid.UUID) error
	Invalidate(ctx context.Context, loanID uuid.UUID, reason string) error
	JoinWaitlist(ctx context.Context, patronID, titleID uuid.UUID) (*WaitlistEntry, int, error)
	Fulfill(ctx context.Context, titleID uuid.UUID) (int, error)
	ExpireOverdue(ctx context.Context) (BatchResult, error)
	SendReminders(ctx context.Context) (BatchResult, error)
}

// ArtifactGenerator produces the patron-specific circulation copy after a
// successful checkout. It is called exactly once per checkout attempt,
// inside the checkout transaction; any error rolls the checkout back.
type ArtifactGenerator interface {
	Generate(ctx context.Context, loan *Loan, title *Title, patron *Patron) (string, error)
}

// ArtifactStore removes circulation copies when a loan ends. It must
// reject references that resolve outside its configured storage root.
type ArtifactStore interface {
	Delete(ctx context.Context, ref string) error
}

// Notifier delivers a notification to a patron. A nil return is the only
// confirmation of delivery; anything else leaves "sent" flags untouched.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Config carries the borrowing policy knobs.
type Config struct {
	MaxLoansPerPatron     int
	DefaultLoanPeriodDays int
	MaxRenewals           int
	ReminderHorizon       time.Duration
}

const (
	defaultMaxLoansPerPatron = 5
	defaultLoanPeriodDays    = 14
	defaultMaxRenewals       = 2
	defaultReminderHorizon   = 48 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxLoansPerPatron <= 0 {
		c.MaxLoansPerPatron = defaultMaxLoansPerPatron
	}
	if c.DefaultLoanPeriodDays <= 0 {
		c.DefaultLoanPeriodDays = defaultLoanPeriodDays
	}
	if c.MaxRenewals <= 0 {
		c.MaxRenewals = defaultMaxRenewals
	}
	if c.ReminderHorizon <= 0 {
		c.ReminderHorizon = defaultReminderHorizon
	}
	return c
}

// service implements the Service interface.
type service struct {
	store     Store
	generator ArtifactGenerator
	artifacts ArtifactStore
	notifier  Notifier
	audit     audit.Sink
	logger    *slog.Logger
	cfg       Config

	tracer     trace.Tracer
	checkouts  metric.Int64Counter
	rejections metric.Int64Counter

	now func() time.Time
}

// NewService creates a new circulation service instance.
func NewService(
	store Store,
	generator ArtifactGenerator,
	artifacts ArtifactStore,
	notifier Notifier,
	sink audit.Sink,
	logger *slog.Logger,
	cfg Config,
) Service {
	meter := otel.Meter("circulate/circulation")
	checkouts, _ := meter.Int64Counter("circulation.checkouts")
	rejections, _ := meter.Int64Counter("circulation.rejections")

	return &service{
		store:      store,
		generator:  generator,
		artifacts:  artifacts,
		notifier:   notifier,
		audit:      sink,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("circulate/circulation"),
		checkouts:  checkouts,
		rejections: rejections,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// loanPeriod resolves the effective loan period for a title.
func (s *service) loanPeriod(title *Title) time.Duration {
	days := s.cfg.DefaultLoanPeriodDays
	if title != nil && title.LoanPeriodDays > 0 {
		days = title.LoanPeriodDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// cleanupArtifact removes the circulation copy for a finished loan.
// Best-effort: failures are logged and never surfaced to the caller.
func (s *service) cleanupArtifact(ctx context.Context, loan *Loan) {
	if loan.ArtifactRef == nil || *loan.ArtifactRef == "" {
		return
	}
	if err := s.artifacts.Delete(ctx, *loan.ArtifactRef); err != nil {
		s.logger.Warn("could not delete circulation copy",
			"loan_id", loan.ID, "artifact_ref", *loan.ArtifactRef, "error", err)
	}
}

// record emits one audit event per state transition, fire-and-forget.
func (s *service) record(ctx context.Context, actorID uuid.UUID, action, targetType string, targetID uuid.UUID, detail string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:    &actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func formatDue(t time.Time) string {
	return t.Format("2006-01-02 15:04 UTC")
}
