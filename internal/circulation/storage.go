// internal/circulation/storage.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the circulation engine consumes.
// internal/storage implements it against Postgres; tests run an in-memory
// implementation with the same transactional semantics.
//
// Loan and WaitlistEntry rows are owned by this subsystem. Title and
// Patron rows belong to the catalog and membership subsystems and are only
// read here.
type Store interface {
	TitleByID(ctx context.Context, id uuid.UUID) (*Title, error)
	PatronByID(ctx context.Context, id uuid.UUID) (*Patron, error)
	LoanByID(ctx context.Context, id uuid.UUID) (*Loan, error)

	ActiveLoanCountForTitle(ctx context.Context, titleID uuid.UUID) (int, error)
	ActiveLoanCountForPatron(ctx context.Context, patronID uuid.UUID) (int, error)
	HasActiveLoan(ctx context.Context, patronID, titleID uuid.UUID) (bool, error)

	InsertLoan(ctx context.Context, loan *Loan) error
	UpdateLoan(ctx context.Context, loan *Loan) error

	OverdueLoanIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// LoansDueWithin returns active loans with from < due_at <= until that
	// have not had a reminder sent yet.
	LoansDueWithin(ctx context.Context, from, until time.Time) ([]*Loan, error)

	// NextUnnotifiedWaitlistEntry returns the oldest unfulfilled entry for
	// the title that has not been notified, or ErrWaitlistEntryNotFound.
	NextUnnotifiedWaitlistEntry(ctx context.Context, titleID uuid.UUID) (*WaitlistEntry, error)
	// UnfulfilledWaitlistEntry returns the patron's pending entry for the
	// title, or ErrWaitlistEntryNotFound.
	UnfulfilledWaitlistEntry(ctx context.Context, patronID, titleID uuid.UUID) (*WaitlistEntry, error)
	CountUnfulfilledWaitlist(ctx context.Context, titleID uuid.UUID) (int, error)
	// InsertWaitlistEntry returns ErrAlreadyWaitlisted if an unfulfilled
	// entry for the same (title, patron) already exists.
	InsertWaitlistEntry(ctx context.Context, entry *WaitlistEntry) error
	MarkWaitlistNotified(ctx context.Context, entryID uuid.UUID, at time.Time) error
	MarkWaitlistFulfilled(ctx context.Context, entryID uuid.UUID) error

	// WithTitleLock runs fn inside a transaction that holds an exclusive
	// lock on the title row for its whole duration. If the lock cannot be
	// granted promptly the call fails with ErrStoreBusy instead of queuing.
	// Returning an error from fn rolls back everything fn did through tx.
	// Transactions do not nest.
	WithTitleLock(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx Store) error) error

	// InTx runs fn inside its own transaction. Returning an error rolls
	// back everything fn did through tx. Transactions do not nest.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
