// internal/circulation/errors.go
package circulation

import "errors"

// Policy rejections: the request was understood and refused. No writes
// happen on any of these paths.
var (
	ErrTitleNotLendable    = errors.New("this title is not available for borrowing")
	ErrPatronNotEligible   = errors.New("this account is not eligible to borrow")
	ErrLoanLimitReached    = errors.New("maximum number of active loans reached")
	ErrDuplicateLoan       = errors.New("an active loan for this title already exists")
	ErrNoCopiesAvailable   = errors.New("no copies are currently available")
	ErrLoanNotActive       = errors.New("this loan is no longer active")
	ErrLoanInvalidated     = errors.New("this loan has been invalidated")
	ErrLoanOverdue         = errors.New("this loan is past due and cannot be renewed")
	ErrRenewalLimitReached = errors.New("this loan has reached its renewal limit")
	ErrAlreadyWaitlisted   = errors.New("already on the waitlist for this title")
	ErrReasonRequired      = errors.New("a reason is required to invalidate a loan")
)

// Retryable conditions: the caller may resubmit the same request.
var (
	ErrArtifactUnavailable = errors.New("circulation copy could not be prepared")
	ErrStoreBusy           = errors.New("storage is busy, retry shortly")
)

// Not-found sentinels returned by Store implementations.
var (
	ErrTitleNotFound         = errors.New("title not found")
	ErrPatronNotFound        = errors.New("patron not found")
	ErrLoanNotFound          = errors.New("loan not found")
	ErrWaitlistEntryNotFound = errors.New("waitlist entry not found")
)

// Rejection wraps a policy violation so callers can match the class with
// errors.As and the specific reason with errors.Is.
type Rejection struct {
	Err error
}

func (r Rejection) Error() string { return r.Err.Error() }
func (r Rejection) Unwrap() error { return r.Err }

// Retryable wraps a transient failure (lock contention, artifact
// generation). The caller decides whether to resubmit; the engine never
// retries on its own.
type Retryable struct {
	Err error
}

func (r Retryable) Error() string { return r.Err.Error() }
func (r Retryable) Unwrap() error { return r.Err }

func reject(err error) error    { return Rejection{Err: err} }
func retryable(err error) error { return Retryable{Err: err} }

// IsRejection reports whether err is a policy rejection.
func IsRejection(err error) bool {
	var r Rejection
	return errors.As(err, &r)
}

// IsRetryable reports whether the caller may safely resubmit.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r)
}

// rejectionReason maps a policy rejection to a short stable token for
// metric attributes, where full sentences would explode label sets.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrTitleNotLendable):
		return "title_not_lendable"
	case errors.Is(err, ErrPatronNotEligible):
		return "patron_not_eligible"
	case errors.Is(err, ErrLoanLimitReached):
		return "loan_limit"
	case errors.Is(err, ErrDuplicateLoan):
		return "duplicate_loan"
	case errors.Is(err, ErrNoCopiesAvailable):
		return "no_copies"
	case errors.Is(err, ErrAlreadyWaitlisted):
		return "already_waitlisted"
	default:
		return "other"
	}
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTitleNotFound) ||
		errors.Is(err, ErrPatronNotFound) ||
		errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrWaitlistEntryNotFound)
}
