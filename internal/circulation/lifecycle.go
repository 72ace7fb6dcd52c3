// internal/circulation/lifecycle.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Renew extends an active loan by one loan period counted from the current
// due date, not from now, so renewals cannot reset an already-elapsed
// clock. A loan that is past due must not be silently resurrected; it
// belongs to the expiry sweep.
//
// The read, the guards and the write share one transaction: a terminal
// transition committed by a concurrent sweep or request is seen by the
// re-read and rejected, never overwritten from a stale copy.
func (s *service) Renew(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())))
	defer span.End()

	var renewed *Loan
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		loan, err := tx.LoanByID(ctx, loanID)
		if err != nil {
			return err
		}

		switch {
		case loan.Invalidated:
			return reject(ErrLoanInvalidated)
		case !loan.IsActive:
			return reject(ErrLoanNotActive)
		case loan.Overdue(s.now()):
			return reject(ErrLoanOverdue)
		case loan.RenewalCount >= loan.MaxRenewals:
			return reject(ErrRenewalLimitReached)
		}

		// The title decides the extension length; fall back to the
		// configured default if the catalog entry has been deleted since
		// borrowing.
		title, err := tx.TitleByID(ctx, loan.TitleID)
		if err != nil && !errors.Is(err, ErrTitleNotFound) {
			return err
		}

		loan.DueAt = loan.DueAt.Add(s.loanPeriod(title))
		loan.RenewalCount++
		loan.ReminderSent = false // a fresh reminder fires for the new period

		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		renewed = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, renewed.PatronID, "renew", "loan", renewed.ID,
		fmt.Sprintf("Renewed loan %s for %q (renewal %d/%d, new due date %s)",
			shortID(renewed.ID), renewed.TitleSnapshot, renewed.RenewalCount, renewed.MaxRenewals, formatDue(renewed.DueAt)))

	return renewed, nil
}

// Return marks an active loan as returned and releases the copy back into
// circulation. The second return of the same loan is rejected and changes
// nothing. Like Renew, the transition runs in its own transaction so a
// concurrent terminal state survives.
func (s *service) Return(ctx context.Context, loanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())))
	defer span.End()

	var returned *Loan
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		loan, err := tx.LoanByID(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.IsActive {
			return reject(ErrLoanNotActive)
		}

		now := s.now()
		loan.IsActive = false
		loan.ReturnedAt = &now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		returned = loan
		return nil
	})
	if err != nil {
		return err
	}

	s.record(ctx, returned.PatronID, "return", "loan", returned.ID,
		fmt.Sprintf("Returned %q (loan %s)", returned.TitleSnapshot, shortID(returned.ID)))

	s.cleanupArtifact(ctx, returned)
	s.fulfillFreedTitle(ctx, returned.TitleID)

	return nil
}

// Invalidate is the administrative override: it ends a loan like a return
// but records a distinct terminal state and the reason, for audit.
func (s *service) Invalidate(ctx context.Context, loanID uuid.UUID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "circulation.invalidate",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return reject(ErrReasonRequired)
	}

	var invalidated *Loan
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		loan, err := tx.LoanByID(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Invalidated {
			return reject(ErrLoanInvalidated)
		}
		if !loan.IsActive {
			return reject(ErrLoanNotActive)
		}

		now := s.now()
		loan.Invalidated = true
		loan.InvalidatedReason = reason
		loan.IsActive = false
		loan.ReturnedAt = &now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		invalidated = loan
		return nil
	})
	if err != nil {
		return err
	}

	s.record(ctx, invalidated.PatronID, "invalidate", "loan", invalidated.ID,
		fmt.Sprintf("Invalidated loan %s: %s", shortID(invalidated.ID), reason))

	s.cleanupArtifact(ctx, invalidated)
	s.fulfillFreedTitle(ctx, invalidated.TitleID)

	return nil
}

// fulfillFreedTitle runs waitlist fulfillment after a copy frees up.
// Best-effort: a notification outage must not fail the return itself.
func (s *service) fulfillFreedTitle(ctx context.Context, titleID uuid.UUID) {
	if _, err := s.Fulfill(ctx, titleID); err != nil {
		s.logger.Error("waitlist fulfillment failed", "title_id", titleID, "error", err)
	}
}
