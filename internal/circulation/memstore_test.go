package circulation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memData is one consistent snapshot of the fake store's tables.
type memData struct {
	titles   map[uuid.UUID]*Title
	patrons  map[uuid.UUID]*Patron
	loans    map[uuid.UUID]*Loan
	waitlist map[uuid.UUID]*WaitlistEntry

	// updateLoanErr, when set, can fail UpdateLoan for chosen loans.
	updateLoanErr func(loan *Loan) error
}

func newMemData() *memData {
	return &memData{
		titles:   make(map[uuid.UUID]*Title),
		patrons:  make(map[uuid.UUID]*Patron),
		loans:    make(map[uuid.UUID]*Loan),
		waitlist: make(map[uuid.UUID]*WaitlistEntry),
	}
}

func cloneLoan(l *Loan) *Loan {
	c := *l
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		c.ReturnedAt = &t
	}
	if l.ArtifactRef != nil {
		r := *l.ArtifactRef
		c.ArtifactRef = &r
	}
	return &c
}

func cloneEntry(e *WaitlistEntry) *WaitlistEntry {
	c := *e
	if e.NotifiedAt != nil {
		t := *e.NotifiedAt
		c.NotifiedAt = &t
	}
	return &c
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.updateLoanErr = d.updateLoanErr
	for id, t := range d.titles {
		tc := *t
		c.titles[id] = &tc
	}
	for id, p := range d.patrons {
		pc := *p
		c.patrons[id] = &pc
	}
	for id, l := range d.loans {
		c.loans[id] = cloneLoan(l)
	}
	for id, e := range d.waitlist {
		c.waitlist[id] = cloneEntry(e)
	}
	return c
}

// memStore is an in-memory Store with the same transactional semantics as
// the Postgres one: WithTitleLock and InTx mutate a snapshot that only
// replaces the live data when fn succeeds, and the store-wide mutex makes
// transactions mutually exclusive.
type memStore struct {
	mu   sync.Mutex
	data *memData
	busy bool // simulates a lost NOWAIT lock race
}

func newMemStore() *memStore {
	return &memStore{data: newMemData()}
}

func (s *memStore) addTitle(t Title) *Title {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.data.titles[t.ID] = &t
	return &t
}

func (s *memStore) addPatron(p Patron) *Patron {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Email == "" {
		p.Email = p.ID.String()[:8] + "@example.com"
	}
	s.data.patrons[p.ID] = &p
	return &p
}

func (s *memStore) loan(id uuid.UUID) *Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.data.loans[id]
	if !ok {
		return nil
	}
	return cloneLoan(l)
}

func (s *memStore) entry(id uuid.UUID) *WaitlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.waitlist[id]
	if !ok {
		return nil
	}
	return cloneEntry(e)
}

func (s *memStore) WithTitleLock(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrStoreBusy
	}
	if _, ok := s.data.titles[titleID]; !ok {
		return ErrTitleNotFound
	}

	snapshot := s.data.clone()
	if err := fn(ctx, &txView{d: snapshot}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(ctx, &txView{d: snapshot}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

// Non-transactional reads and writes take the lock per call.

func (s *memStore) TitleByID(ctx context.Context, id uuid.UUID) (*Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).TitleByID(ctx, id)
}

func (s *memStore) PatronByID(ctx context.Context, id uuid.UUID) (*Patron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).PatronByID(ctx, id)
}

func (s *memStore) LoanByID(ctx context.Context, id uuid.UUID) (*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).LoanByID(ctx, id)
}

func (s *memStore) ActiveLoanCountForTitle(ctx context.Context, titleID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).ActiveLoanCountForTitle(ctx, titleID)
}

func (s *memStore) ActiveLoanCountForPatron(ctx context.Context, patronID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).ActiveLoanCountForPatron(ctx, patronID)
}

func (s *memStore) HasActiveLoan(ctx context.Context, patronID, titleID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).HasActiveLoan(ctx, patronID, titleID)
}

func (s *memStore) InsertLoan(ctx context.Context, loan *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).InsertLoan(ctx, loan)
}

func (s *memStore) UpdateLoan(ctx context.Context, loan *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).UpdateLoan(ctx, loan)
}

func (s *memStore) OverdueLoanIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).OverdueLoanIDs(ctx, now)
}

func (s *memStore) LoansDueWithin(ctx context.Context, from, until time.Time) ([]*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).LoansDueWithin(ctx, from, until)
}

func (s *memStore) NextUnnotifiedWaitlistEntry(ctx context.Context, titleID uuid.UUID) (*WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).NextUnnotifiedWaitlistEntry(ctx, titleID)
}

func (s *memStore) UnfulfilledWaitlistEntry(ctx context.Context, patronID, titleID uuid.UUID) (*WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).UnfulfilledWaitlistEntry(ctx, patronID, titleID)
}

func (s *memStore) CountUnfulfilledWaitlist(ctx context.Context, titleID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).CountUnfulfilledWaitlist(ctx, titleID)
}

func (s *memStore) InsertWaitlistEntry(ctx context.Context, entry *WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).InsertWaitlistEntry(ctx, entry)
}

func (s *memStore) MarkWaitlistNotified(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).MarkWaitlistNotified(ctx, entryID, at)
}

func (s *memStore) MarkWaitlistFulfilled(ctx context.Context, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{d: s.data}).MarkWaitlistFulfilled(ctx, entryID)
}

// txView is the transaction-scoped view; the caller already holds the
// store mutex, so it reads and writes the snapshot directly.
type txView struct {
	d *memData
}

var errNestedTx = errors.New("transactions do not nest")

func (t *txView) WithTitleLock(context.Context, uuid.UUID, func(context.Context, Store) error) error {
	return errNestedTx
}

func (t *txView) InTx(context.Context, func(context.Context, Store) error) error {
	return errNestedTx
}

func (t *txView) TitleByID(_ context.Context, id uuid.UUID) (*Title, error) {
	title, ok := t.d.titles[id]
	if !ok {
		return nil, ErrTitleNotFound
	}
	c := *title
	return &c, nil
}

func (t *txView) PatronByID(_ context.Context, id uuid.UUID) (*Patron, error) {
	patron, ok := t.d.patrons[id]
	if !ok {
		return nil, ErrPatronNotFound
	}
	c := *patron
	return &c, nil
}

func (t *txView) LoanByID(_ context.Context, id uuid.UUID) (*Loan, error) {
	loan, ok := t.d.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return cloneLoan(loan), nil
}

func (t *txView) ActiveLoanCountForTitle(_ context.Context, titleID uuid.UUID) (int, error) {
	n := 0
	for _, l := range t.d.loans {
		if l.TitleID == titleID && l.IsActive {
			n++
		}
	}
	return n, nil
}

func (t *txView) ActiveLoanCountForPatron(_ context.Context, patronID uuid.UUID) (int, error) {
	n := 0
	for _, l := range t.d.loans {
		if l.PatronID == patronID && l.IsActive {
			n++
		}
	}
	return n, nil
}

func (t *txView) HasActiveLoan(_ context.Context, patronID, titleID uuid.UUID) (bool, error) {
	for _, l := range t.d.loans {
		if l.PatronID == patronID && l.TitleID == titleID && l.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (t *txView) InsertLoan(_ context.Context, loan *Loan) error {
	t.d.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (t *txView) UpdateLoan(_ context.Context, loan *Loan) error {
	if t.d.updateLoanErr != nil {
		if err := t.d.updateLoanErr(loan); err != nil {
			return err
		}
	}
	if _, ok := t.d.loans[loan.ID]; !ok {
		return ErrLoanNotFound
	}
	t.d.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (t *txView) OverdueLoanIDs(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	var overdue []*Loan
	for _, l := range t.d.loans {
		if l.IsActive && l.Overdue(now) {
			overdue = append(overdue, l)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].DueAt.Before(overdue[j].DueAt) })

	ids := make([]uuid.UUID, 0, len(overdue))
	for _, l := range overdue {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (t *txView) LoansDueWithin(_ context.Context, from, until time.Time) ([]*Loan, error) {
	var due []*Loan
	for _, l := range t.d.loans {
		if l.IsActive && !l.ReminderSent && l.DueAt.After(from) && !l.DueAt.After(until) {
			due = append(due, cloneLoan(l))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	return due, nil
}

func (t *txView) NextUnnotifiedWaitlistEntry(_ context.Context, titleID uuid.UUID) (*WaitlistEntry, error) {
	var next *WaitlistEntry
	for _, e := range t.d.waitlist {
		if e.TitleID != titleID || e.IsFulfilled || e.NotifiedAt != nil {
			continue
		}
		if next == nil || e.CreatedAt.Before(next.CreatedAt) {
			next = e
		}
	}
	if next == nil {
		return nil, ErrWaitlistEntryNotFound
	}
	return cloneEntry(next), nil
}

func (t *txView) UnfulfilledWaitlistEntry(_ context.Context, patronID, titleID uuid.UUID) (*WaitlistEntry, error) {
	for _, e := range t.d.waitlist {
		if e.PatronID == patronID && e.TitleID == titleID && !e.IsFulfilled {
			return cloneEntry(e), nil
		}
	}
	return nil, ErrWaitlistEntryNotFound
}

func (t *txView) CountUnfulfilledWaitlist(_ context.Context, titleID uuid.UUID) (int, error) {
	n := 0
	for _, e := range t.d.waitlist {
		if e.TitleID == titleID && !e.IsFulfilled {
			n++
		}
	}
	return n, nil
}

func (t *txView) InsertWaitlistEntry(_ context.Context, entry *WaitlistEntry) error {
	for _, e := range t.d.waitlist {
		if e.PatronID == entry.PatronID && e.TitleID == entry.TitleID && !e.IsFulfilled {
			return ErrAlreadyWaitlisted
		}
	}
	t.d.waitlist[entry.ID] = cloneEntry(entry)
	return nil
}

func (t *txView) MarkWaitlistNotified(_ context.Context, entryID uuid.UUID, at time.Time) error {
	e, ok := t.d.waitlist[entryID]
	if !ok {
		return ErrWaitlistEntryNotFound
	}
	e.NotifiedAt = &at
	return nil
}

func (t *txView) MarkWaitlistFulfilled(_ context.Context, entryID uuid.UUID) error {
	e, ok := t.d.waitlist[entryID]
	if !ok {
		return ErrWaitlistEntryNotFound
	}
	e.IsFulfilled = true
	return nil
}
