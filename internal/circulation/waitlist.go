// internal/circulation/waitlist.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fulfill notifies queued patrons, oldest first, that the title has free
// copies. The number of currently available copies is the ceiling on
// notifications, not a reservation: copies stay first-come-first-served at
// actual checkout time.
//
// An entry is marked notified only on confirmed delivery. A delivery
// failure stops the loop immediately rather than skipping ahead, so a
// systemic notification outage cannot silently pass over patrons out of
// order; the next invocation retries the same entry first.
func (s *service) Fulfill(ctx context.Context, titleID uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.fulfill_waitlist",
		trace.WithAttributes(attribute.String("title.id", titleID.String())))
	defer span.End()

	title, err := s.store.TitleByID(ctx, titleID)
	if err != nil {
		return 0, err
	}
	active, err := s.store.ActiveLoanCountForTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}

	available := title.OwnedCopies - active
	if available < 0 {
		available = 0
	}
	if available > title.OwnedCopies { // guards a corrupt owned_copies value
		available = title.OwnedCopies
	}

	notified := 0
	for notified < available {
		entry, err := s.store.NextUnnotifiedWaitlistEntry(ctx, titleID)
		if errors.Is(err, ErrWaitlistEntryNotFound) {
			break
		}
		if err != nil {
			return notified, err
		}

		patron, err := s.store.PatronByID(ctx, entry.PatronID)
		if errors.Is(err, ErrPatronNotFound) {
			// Nobody left to notify; close the entry out so it cannot
			// block the queue forever.
			s.logger.Warn("waitlist entry points at a missing patron, marking notified",
				"entry_id", entry.ID, "patron_id", entry.PatronID)
			if err := s.store.MarkWaitlistNotified(ctx, entry.ID, s.now()); err != nil {
				return notified, err
			}
			continue
		}
		if err != nil {
			return notified, err
		}

		sendErr := s.notifier.Send(ctx, Notification{
			Kind:      NotificationWaitlistAvailable,
			Recipient: patron.Email,
			PatronID:  patron.ID,
			TitleID:   title.ID,
			Title:     title.Title,
		})
		if sendErr != nil {
			s.logger.Warn("waitlist notification failed, will retry the same entry next pass",
				"entry_id", entry.ID, "title_id", titleID, "error", sendErr)
			break
		}

		if err := s.store.MarkWaitlistNotified(ctx, entry.ID, s.now()); err != nil {
			return notified, err
		}
		notified++

		s.record(ctx, patron.ID, "waitlist_notify", "title", title.ID,
			fmt.Sprintf("Notified patron %s that %q is available", shortID(patron.ID), title.Title))
	}

	span.SetAttributes(attribute.Int("waitlist.notified", notified))
	return notified, nil
}

// JoinWaitlist adds a patron to a title's waitlist and reports their
// position in the queue. Restricted titles cannot be waitlisted, and a
// patron holds at most one pending entry per title; re-joining after a
// fulfilled entry creates a fresh one.
func (s *service) JoinWaitlist(ctx context.Context, patronID, titleID uuid.UUID) (*WaitlistEntry, int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.join_waitlist",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("title.id", titleID.String()),
		),
	)
	defer span.End()

	title, err := s.store.TitleByID(ctx, titleID)
	if err != nil {
		return nil, 0, err
	}
	if !title.Lendable() {
		return nil, 0, reject(ErrTitleNotLendable)
	}

	patron, err := s.store.PatronByID(ctx, patronID)
	if err != nil {
		return nil, 0, err
	}
	if !patron.Eligible() {
		return nil, 0, reject(ErrPatronNotEligible)
	}

	_, err = s.store.UnfulfilledWaitlistEntry(ctx, patronID, titleID)
	if err == nil {
		return nil, 0, reject(ErrAlreadyWaitlisted)
	}
	if !errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, 0, err
	}

	entry := &WaitlistEntry{
		ID:        uuid.New(),
		TitleID:   titleID,
		PatronID:  patronID,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertWaitlistEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyWaitlisted) {
			return nil, 0, reject(ErrAlreadyWaitlisted)
		}
		return nil, 0, err
	}

	position, err := s.store.CountUnfulfilledWaitlist(ctx, titleID)
	if err != nil {
		return nil, 0, err
	}

	s.record(ctx, patronID, "waitlist_join", "title", titleID,
		fmt.Sprintf("Joined waitlist for %q (position %d)", title.Title, position))

	return entry, position, nil
}
