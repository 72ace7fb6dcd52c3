// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Title is a catalog entry with a fixed number of circulating copies.
// The catalog subsystem owns it; circulation only reads it. The central
// safety property of the whole engine is that the number of active loans
// for a title never exceeds OwnedCopies.
type Title struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	Author           string    `json:"author"`
	OwnedCopies      int       `json:"owned_copies"`
	LoanPeriodDays   int       `json:"loan_period_days"` // 0 means the configured default applies
	IsVisible        bool      `json:"is_visible"`
	IsDisabled       bool      `json:"is_disabled"`
	RestrictedAccess bool      `json:"restricted_access"`
}

// Lendable reports whether the title may circulate at all.
func (t *Title) Lendable() bool {
	return t.IsVisible && !t.IsDisabled && !t.RestrictedAccess
}

// Patron is the borrowing account. Membership management is out of scope;
// circulation only reads eligibility.
type Patron struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	IsBlocked   bool      `json:"is_blocked"`
}

// Eligible reports whether the patron may borrow or join waitlists.
func (p *Patron) Eligible() bool {
	return p.IsActive && !p.IsBlocked
}

// Loan is a single patron's borrowing of one copy of a title.
//
// A loan is created active and reaches exactly one of three terminal
// states: returned (manual), expired (batch sweep), or invalidated
// (administrative override). Renewal is an in-place mutation of DueAt and
// RenewalCount while the loan stays active. Title and patron display
// fields are snapshotted at borrow time so the loan stays self-describing
// even if the catalog entry is later edited or deleted.
type Loan struct {
	ID       uuid.UUID `json:"id"`
	TitleID  uuid.UUID `json:"title_id"`
	PatronID uuid.UUID `json:"patron_id"`

	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`

	IsActive          bool   `json:"is_active"`
	Invalidated       bool   `json:"invalidated"`
	InvalidatedReason string `json:"invalidated_reason,omitempty"`

	RenewalCount int `json:"renewal_count"`
	MaxRenewals  int `json:"max_renewals"`

	// Idempotency flags for the batch jobs; set only on confirmed delivery.
	ReminderSent         bool `json:"reminder_sent"`
	ExpirationNoticeSent bool `json:"expiration_notice_sent"`

	// ArtifactRef is set only after the artifact generator succeeds.
	ArtifactRef *string `json:"artifact_ref,omitempty"`

	TitleSnapshot  string `json:"title_snapshot"`
	AuthorSnapshot string `json:"author_snapshot"`
	PatronSnapshot string `json:"patron_snapshot"`
}

// Overdue reports whether the loan's due date has elapsed.
func (l *Loan) Overdue(now time.Time) bool {
	return !now.Before(l.DueAt)
}

// WaitlistEntry is a patron's standing request to be notified when a title
// next has a free copy. FIFO order is defined by CreatedAt. An entry is
// unique per (title, patron) while unfulfilled; re-joining after
// fulfillment creates a fresh entry.
type WaitlistEntry struct {
	ID          uuid.UUID  `json:"id"`
	TitleID     uuid.UUID  `json:"title_id"`
	PatronID    uuid.UUID  `json:"patron_id"`
	CreatedAt   time.Time  `json:"created_at"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	IsFulfilled bool       `json:"is_fulfilled"`
}

// NotificationKind identifies the message template a Notifier should use.
type NotificationKind string

const (
	NotificationWaitlistAvailable NotificationKind = "waitlist_available"
	NotificationDueSoonReminder   NotificationKind = "due_soon_reminder"
	NotificationLoanExpired       NotificationKind = "loan_expired"
)

// Notification carries everything a delivery channel needs to notify a
// patron about one loan or title.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Recipient string           `json:"recipient"`
	PatronID  uuid.UUID        `json:"patron_id"`
	TitleID   uuid.UUID        `json:"title_id"`
	Title     string           `json:"title"`
	DueAt     time.Time        `json:"due_at,omitempty"`
}
