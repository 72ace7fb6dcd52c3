// internal/circulation/coordinator.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Checkout atomically allocates one copy of a title to a patron.
//
// All preconditions are re-validated inside a transaction that holds an
// exclusive lock on the title row, so concurrent requests, including
// requests served by other instances sharing the same database, cannot
// allocate more copies than exist. The artifact generator runs inside the
// same transaction: if it fails, the transaction aborts and the loan row
// never becomes visible. A loan without a usable circulation copy must
// never occupy a copy slot.
func (s *service) Checkout(ctx context.Context, patronID, titleID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.checkout",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("title.id", titleID.String()),
		),
	)
	defer span.End()

	var loan *Loan

	err := s.store.WithTitleLock(ctx, titleID, func(ctx context.Context, tx Store) error {
		title, err := tx.TitleByID(ctx, titleID)
		if err != nil {
			return err
		}
		if !title.Lendable() {
			return reject(ErrTitleNotLendable)
		}

		patron, err := tx.PatronByID(ctx, patronID)
		if err != nil {
			return err
		}
		if !patron.Eligible() {
			return reject(ErrPatronNotEligible)
		}

		patronActive, err := tx.ActiveLoanCountForPatron(ctx, patronID)
		if err != nil {
			return err
		}
		if patronActive >= s.cfg.MaxLoansPerPatron {
			return reject(ErrLoanLimitReached)
		}

		duplicate, err := tx.HasActiveLoan(ctx, patronID, titleID)
		if err != nil {
			return err
		}
		if duplicate {
			return reject(ErrDuplicateLoan)
		}

		titleActive, err := tx.ActiveLoanCountForTitle(ctx, titleID)
		if err != nil {
			return err
		}
		if titleActive >= title.OwnedCopies {
			return reject(ErrNoCopiesAvailable)
		}

		now := s.now()
		l := &Loan{
			ID:             uuid.New(),
			TitleID:        titleID,
			PatronID:       patronID,
			BorrowedAt:     now,
			DueAt:          now.Add(s.loanPeriod(title)),
			IsActive:       true,
			MaxRenewals:    s.cfg.MaxRenewals,
			TitleSnapshot:  title.Title,
			AuthorSnapshot: title.Author,
			PatronSnapshot: patron.DisplayName,
		}
		if err := tx.InsertLoan(ctx, l); err != nil {
			return err
		}

		ref, genErr := s.generator.Generate(ctx, l, title, patron)
		if genErr != nil {
			s.logger.Error("artifact generation failed, rolling back checkout",
				"loan_id", l.ID, "title_id", titleID, "error", genErr)
			return retryable(fmt.Errorf("%w: %v", ErrArtifactUnavailable, genErr))
		}
		l.ArtifactRef = &ref
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}

		// Borrowing fulfills the patron's own waitlist entry, if any.
		entry, err := tx.UnfulfilledWaitlistEntry(ctx, patronID, titleID)
		switch {
		case err == nil:
			if err := tx.MarkWaitlistFulfilled(ctx, entry.ID); err != nil {
				return err
			}
		case !errors.Is(err, ErrWaitlistEntryNotFound):
			return err
		}

		loan = l
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStoreBusy) && !IsRetryable(err) {
			err = retryable(err)
		}
		if IsRejection(err) {
			s.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectionReason(err))))
		}
		span.RecordError(err)
		return nil, err
	}

	s.checkouts.Add(ctx, 1)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	s.record(ctx, patronID, "checkout", "loan", loan.ID,
		fmt.Sprintf("Checked out %q (loan %s), due %s",
			loan.TitleSnapshot, shortID(loan.ID), formatDue(loan.DueAt)))

	return loan, nil
}
