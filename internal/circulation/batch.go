// internal/circulation/batch.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// BatchResult summarizes one sweep for the scheduler's telemetry.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ExpireOverdue transitions every overdue active loan to the expired
// terminal state. Each loan runs in its own transaction so that one bad
// record rolls back alone and is retried on the next sweep while the rest
// of the batch continues. Artifact cleanup and waitlist fulfillment run
// only after a loan's transaction has committed.
func (s *service) ExpireOverdue(ctx context.Context) (BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.expire_overdue")
	defer span.End()

	ids, err := s.store.OverdueLoanIDs(ctx, s.now())
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, id := range ids {
		expired, err := s.expireOne(ctx, id)
		if err != nil {
			res.Failed++
			s.logger.Error("expiry failed for loan, will retry next sweep",
				"loan_id", id, "error", err)
			continue
		}
		if expired == nil {
			continue // raced with a return or renewal; nothing to do
		}
		res.Processed++

		s.record(ctx, expired.PatronID, "expire", "loan", expired.ID,
			fmt.Sprintf("Auto-expired loan %s for %q", shortID(expired.ID), expired.TitleSnapshot))

		s.cleanupArtifact(ctx, expired)
		s.fulfillFreedTitle(ctx, expired.TitleID)
	}

	if res.Processed > 0 {
		s.logger.Info("expired overdue loans", "count", res.Processed, "failed", res.Failed)
	}
	span.SetAttributes(
		attribute.Int("loans.expired", res.Processed),
		attribute.Int("loans.failed", res.Failed),
	)
	return res, nil
}

// expireOne processes a single overdue loan inside its own transaction.
// It returns the expired loan, or nil if the loan no longer qualifies.
func (s *service) expireOne(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	var expired *Loan

	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		loan, err := tx.LoanByID(ctx, loanID)
		if err != nil {
			return err
		}
		now := s.now()
		if !loan.IsActive || !loan.Overdue(now) {
			return nil
		}

		loan.IsActive = false
		loan.ReturnedAt = &now

		// Expiration notice is best-effort; the flag flips only on
		// confirmed delivery so an undelivered notice is retried.
		if !loan.ExpirationNoticeSent {
			if patron, perr := tx.PatronByID(ctx, loan.PatronID); perr == nil {
				sendErr := s.notifier.Send(ctx, Notification{
					Kind:      NotificationLoanExpired,
					Recipient: patron.Email,
					PatronID:  patron.ID,
					TitleID:   loan.TitleID,
					Title:     loan.TitleSnapshot,
					DueAt:     loan.DueAt,
				})
				if sendErr == nil {
					loan.ExpirationNoticeSent = true
				} else {
					s.logger.Warn("expiration notice failed",
						"loan_id", loan.ID, "error", sendErr)
				}
			} else if !errors.Is(perr, ErrPatronNotFound) {
				return perr
			}
		}

		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		expired = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// SendReminders delivers a due-soon reminder for every active loan due
// within the configured horizon that has not had one yet. Delivery is
// best-effort per loan; the flag flips only on confirmed delivery.
//
// The candidate list is a snapshot taken before any delivery, so the flag
// write must not reuse it: markReminderSent re-reads the loan in its own
// transaction and leaves a loan alone if it went terminal while the
// notification was in flight.
func (s *service) SendReminders(ctx context.Context) (BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.send_reminders")
	defer span.End()

	now := s.now()
	loans, err := s.store.LoansDueWithin(ctx, now, now.Add(s.cfg.ReminderHorizon))
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, loan := range loans {
		patron, err := s.store.PatronByID(ctx, loan.PatronID)
		if err != nil {
			res.Failed++
			s.logger.Warn("cannot resolve patron for reminder", "loan_id", loan.ID, "error", err)
			continue
		}

		sendErr := s.notifier.Send(ctx, Notification{
			Kind:      NotificationDueSoonReminder,
			Recipient: patron.Email,
			PatronID:  patron.ID,
			TitleID:   loan.TitleID,
			Title:     loan.TitleSnapshot,
			DueAt:     loan.DueAt,
		})
		if sendErr != nil {
			res.Failed++
			s.logger.Warn("reminder failed, will retry next sweep", "loan_id", loan.ID, "error", sendErr)
			continue
		}

		if err := s.markReminderSent(ctx, loan.ID); err != nil {
			res.Failed++
			s.logger.Error("could not record sent reminder", "loan_id", loan.ID, "error", err)
			continue
		}
		res.Processed++
	}

	if res.Processed > 0 {
		s.logger.Info("sent due-soon reminders", "count", res.Processed, "failed", res.Failed)
	}
	span.SetAttributes(
		attribute.Int("reminders.sent", res.Processed),
		attribute.Int("reminders.failed", res.Failed),
	)
	return res, nil
}

// markReminderSent flips reminder_sent on a fresh read of the loan. A loan
// that was returned, expired or invalidated mid-delivery stays untouched;
// its terminal row wins over the sweep's snapshot.
func (s *service) markReminderSent(ctx context.Context, loanID uuid.UUID) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		loan, err := tx.LoanByID(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.IsActive || loan.ReminderSent {
			return nil
		}
		loan.ReminderSent = true
		return tx.UpdateLoan(ctx, loan)
	})
}
