// internal/storage/queries.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"circulate/internal/circulation"
	"circulate/internal/storage/adapters"
)

var (
	titleColumns = []any{
		"id", "title", "author", "owned_copies", "loan_period_days",
		"is_visible", "is_disabled", "restricted_access",
	}
	patronColumns = []any{"id", "email", "display_name", "is_active", "is_blocked"}
	loanColumns   = []any{
		"id", "title_id", "patron_id", "borrowed_at", "due_at", "returned_at",
		"is_active", "invalidated", "invalidated_reason",
		"renewal_count", "max_renewals", "reminder_sent", "expiration_notice_sent",
		"artifact_ref", "title_snapshot", "author_snapshot", "patron_snapshot",
	}
	waitlistColumns = []any{"id", "title_id", "patron_id", "created_at", "notified_at", "is_fulfilled"}
)

// TitleByID implements circulation.Store.
func (s *Store) TitleByID(ctx context.Context, id uuid.UUID) (*circulation.Title, error) {
	ds := s.sql.From(tableTitles).Select(titleColumns...).Where(goqu.Ex{"id": id})

	title := &circulation.Title{}
	err := s.queryOne(ctx, ds, circulation.ErrTitleNotFound, func(rows adapters.DBRows) error {
		return rows.Scan(
			&title.ID, &title.Title, &title.Author, &title.OwnedCopies, &title.LoanPeriodDays,
			&title.IsVisible, &title.IsDisabled, &title.RestrictedAccess,
		)
	})
	if err != nil {
		return nil, err
	}
	return title, nil
}

// PatronByID implements circulation.Store.
func (s *Store) PatronByID(ctx context.Context, id uuid.UUID) (*circulation.Patron, error) {
	ds := s.sql.From(tablePatrons).Select(patronColumns...).Where(goqu.Ex{"id": id})

	patron := &circulation.Patron{}
	err := s.queryOne(ctx, ds, circulation.ErrPatronNotFound, func(rows adapters.DBRows) error {
		return rows.Scan(&patron.ID, &patron.Email, &patron.DisplayName, &patron.IsActive, &patron.IsBlocked)
	})
	if err != nil {
		return nil, err
	}
	return patron, nil
}

// LoanByID implements circulation.Store.
func (s *Store) LoanByID(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	ds := s.sql.From(tableLoans).Select(loanColumns...).Where(goqu.Ex{"id": id})

	var loan *circulation.Loan
	err := s.queryOne(ctx, ds, circulation.ErrLoanNotFound, func(rows adapters.DBRows) error {
		var scanErr error
		loan, scanErr = scanLoan(rows)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ActiveLoanCountForTitle implements circulation.Store.
func (s *Store) ActiveLoanCountForTitle(ctx context.Context, titleID uuid.UUID) (int, error) {
	ds := s.sql.From(tableLoans).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"title_id": titleID, "is_active": true})
	return s.count(ctx, ds)
}

// ActiveLoanCountForPatron implements circulation.Store.
func (s *Store) ActiveLoanCountForPatron(ctx context.Context, patronID uuid.UUID) (int, error) {
	ds := s.sql.From(tableLoans).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"patron_id": patronID, "is_active": true})
	return s.count(ctx, ds)
}

// HasActiveLoan implements circulation.Store.
func (s *Store) HasActiveLoan(ctx context.Context, patronID, titleID uuid.UUID) (bool, error) {
	ds := s.sql.From(tableLoans).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"patron_id": patronID, "title_id": titleID, "is_active": true})

	n, err := s.count(ctx, ds)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertLoan implements circulation.Store.
func (s *Store) InsertLoan(ctx context.Context, loan *circulation.Loan) error {
	ds := s.sql.Insert(tableLoans).Rows(loanRecord(loan)).Prepared(true)
	_, err := s.exec(ctx, ds)
	return err
}

// UpdateLoan implements circulation.Store.
func (s *Store) UpdateLoan(ctx context.Context, loan *circulation.Loan) error {
	rec := loanRecord(loan)
	delete(rec, "id")

	ds := s.sql.Update(tableLoans).Set(rec).Where(goqu.Ex{"id": loan.ID}).Prepared(true)
	affected, err := s.exec(ctx, ds)
	if err != nil {
		return err
	}
	if affected == 0 {
		return circulation.ErrLoanNotFound
	}
	return nil
}

// OverdueLoanIDs implements circulation.Store.
func (s *Store) OverdueLoanIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	ds := s.sql.From(tableLoans).
		Select("id").
		Where(goqu.Ex{"is_active": true}, goqu.C("due_at").Lte(now)).
		Order(goqu.I("due_at").Asc())

	query, args, buildErr := ds.Prepared(true).ToSQL()
	if buildErr != nil {
		return nil, errors.Join(ErrBuildQueryFailed, buildErr)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer s.closeRows(rows)

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Join(ErrScanRowFailed, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoansDueWithin implements circulation.Store.
func (s *Store) LoansDueWithin(ctx context.Context, from, until time.Time) ([]*circulation.Loan, error) {
	ds := s.sql.From(tableLoans).
		Select(loanColumns...).
		Where(
			goqu.Ex{"is_active": true, "reminder_sent": false},
			goqu.C("due_at").Gt(from),
			goqu.C("due_at").Lte(until),
		).
		Order(goqu.I("due_at").Asc())

	query, args, buildErr := ds.Prepared(true).ToSQL()
	if buildErr != nil {
		return nil, errors.Join(ErrBuildQueryFailed, buildErr)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer s.closeRows(rows)

	var loans []*circulation.Loan
	for rows.Next() {
		loan, scanErr := scanLoan(rows)
		if scanErr != nil {
			return nil, errors.Join(ErrScanRowFailed, scanErr)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// NextUnnotifiedWaitlistEntry implements circulation.Store.
func (s *Store) NextUnnotifiedWaitlistEntry(ctx context.Context, titleID uuid.UUID) (*circulation.WaitlistEntry, error) {
	ds := s.sql.From(tableWaitlist).
		Select(waitlistColumns...).
		Where(
			goqu.Ex{"title_id": titleID, "is_fulfilled": false},
			goqu.C("notified_at").IsNull(),
		).
		Order(goqu.I("created_at").Asc()).
		Limit(1)

	return s.queryWaitlistEntry(ctx, ds)
}

// UnfulfilledWaitlistEntry implements circulation.Store.
func (s *Store) UnfulfilledWaitlistEntry(ctx context.Context, patronID, titleID uuid.UUID) (*circulation.WaitlistEntry, error) {
	ds := s.sql.From(tableWaitlist).
		Select(waitlistColumns...).
		Where(goqu.Ex{"patron_id": patronID, "title_id": titleID, "is_fulfilled": false}).
		Limit(1)

	return s.queryWaitlistEntry(ctx, ds)
}

// CountUnfulfilledWaitlist implements circulation.Store.
func (s *Store) CountUnfulfilledWaitlist(ctx context.Context, titleID uuid.UUID) (int, error) {
	ds := s.sql.From(tableWaitlist).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"title_id": titleID, "is_fulfilled": false})
	return s.count(ctx, ds)
}

// InsertWaitlistEntry implements circulation.Store. A partial unique index
// on (title_id, patron_id) WHERE NOT is_fulfilled backs the one-pending-
// entry-per-patron rule; violations map to ErrAlreadyWaitlisted.
func (s *Store) InsertWaitlistEntry(ctx context.Context, entry *circulation.WaitlistEntry) error {
	rec := goqu.Record{
		"id":           entry.ID,
		"title_id":     entry.TitleID,
		"patron_id":    entry.PatronID,
		"created_at":   entry.CreatedAt,
		"is_fulfilled": entry.IsFulfilled,
	}
	if entry.NotifiedAt != nil {
		rec["notified_at"] = *entry.NotifiedAt
	} else {
		rec["notified_at"] = nil
	}

	ds := s.sql.Insert(tableWaitlist).Rows(rec).Prepared(true)
	_, err := s.exec(ctx, ds)
	if err != nil && adapters.IsUniqueViolation(err) {
		return circulation.ErrAlreadyWaitlisted
	}
	return err
}

// MarkWaitlistNotified implements circulation.Store.
func (s *Store) MarkWaitlistNotified(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	ds := s.sql.Update(tableWaitlist).
		Set(goqu.Record{"notified_at": at}).
		Where(goqu.Ex{"id": entryID}).
		Prepared(true)

	affected, err := s.exec(ctx, ds)
	if err != nil {
		return err
	}
	if affected == 0 {
		return circulation.ErrWaitlistEntryNotFound
	}
	return nil
}

// MarkWaitlistFulfilled implements circulation.Store.
func (s *Store) MarkWaitlistFulfilled(ctx context.Context, entryID uuid.UUID) error {
	ds := s.sql.Update(tableWaitlist).
		Set(goqu.Record{"is_fulfilled": true}).
		Where(goqu.Ex{"id": entryID}).
		Prepared(true)

	affected, err := s.exec(ctx, ds)
	if err != nil {
		return err
	}
	if affected == 0 {
		return circulation.ErrWaitlistEntryNotFound
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, ds *goqu.SelectDataset, notFound error, scan func(adapters.DBRows) error) error {
	query, args, buildErr := ds.Prepared(true).ToSQL()
	if buildErr != nil {
		return errors.Join(ErrBuildQueryFailed, buildErr)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return notFound
	}
	if err := scan(rows); err != nil {
		return errors.Join(ErrScanRowFailed, err)
	}
	return nil
}

func (s *Store) count(ctx context.Context, ds *goqu.SelectDataset) (int, error) {
	var n int
	err := s.queryOne(ctx, ds, ErrQueryFailed, func(rows adapters.DBRows) error {
		return rows.Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *Store) exec(ctx context.Context, ds sqlBuilder) (int64, error) {
	query, args, buildErr := ds.ToSQL()
	if buildErr != nil {
		return 0, errors.Join(ErrBuildQueryFailed, buildErr)
	}

	result, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Join(ErrExecFailed, err)
	}
	return affected, nil
}

func (s *Store) queryWaitlistEntry(ctx context.Context, ds *goqu.SelectDataset) (*circulation.WaitlistEntry, error) {
	entry := &circulation.WaitlistEntry{}
	err := s.queryOne(ctx, ds, circulation.ErrWaitlistEntryNotFound, func(rows adapters.DBRows) error {
		var notifiedAt sql.NullTime
		scanErr := rows.Scan(
			&entry.ID, &entry.TitleID, &entry.PatronID,
			&entry.CreatedAt, &notifiedAt, &entry.IsFulfilled,
		)
		if scanErr != nil {
			return scanErr
		}
		if notifiedAt.Valid {
			entry.NotifiedAt = &notifiedAt.Time
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func scanLoan(rows adapters.DBRows) (*circulation.Loan, error) {
	loan := &circulation.Loan{}
	var (
		returnedAt        sql.NullTime
		invalidatedReason sql.NullString
		artifactRef       sql.NullString
	)

	err := rows.Scan(
		&loan.ID, &loan.TitleID, &loan.PatronID, &loan.BorrowedAt, &loan.DueAt, &returnedAt,
		&loan.IsActive, &loan.Invalidated, &invalidatedReason,
		&loan.RenewalCount, &loan.MaxRenewals, &loan.ReminderSent, &loan.ExpirationNoticeSent,
		&artifactRef, &loan.TitleSnapshot, &loan.AuthorSnapshot, &loan.PatronSnapshot,
	)
	if err != nil {
		return nil, err
	}

	if returnedAt.Valid {
		loan.ReturnedAt = &returnedAt.Time
	}
	if invalidatedReason.Valid {
		loan.InvalidatedReason = invalidatedReason.String
	}
	if artifactRef.Valid {
		loan.ArtifactRef = &artifactRef.String
	}
	return loan, nil
}

func loanRecord(loan *circulation.Loan) goqu.Record {
	rec := goqu.Record{
		"id":                     loan.ID,
		"title_id":               loan.TitleID,
		"patron_id":              loan.PatronID,
		"borrowed_at":            loan.BorrowedAt,
		"due_at":                 loan.DueAt,
		"is_active":              loan.IsActive,
		"invalidated":            loan.Invalidated,
		"renewal_count":          loan.RenewalCount,
		"max_renewals":           loan.MaxRenewals,
		"reminder_sent":          loan.ReminderSent,
		"expiration_notice_sent": loan.ExpirationNoticeSent,
		"title_snapshot":         loan.TitleSnapshot,
		"author_snapshot":        loan.AuthorSnapshot,
		"patron_snapshot":        loan.PatronSnapshot,
	}

	if loan.ReturnedAt != nil {
		rec["returned_at"] = *loan.ReturnedAt
	} else {
		rec["returned_at"] = nil
	}
	if loan.InvalidatedReason != "" {
		rec["invalidated_reason"] = loan.InvalidatedReason
	} else {
		rec["invalidated_reason"] = nil
	}
	if loan.ArtifactRef != nil {
		rec["artifact_ref"] = *loan.ArtifactRef
	} else {
		rec["artifact_ref"] = nil
	}
	return rec
}
