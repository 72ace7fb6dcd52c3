package circulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"circulate/internal/audit"
)

// Fixed clock for deterministic due dates.
var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (g *fakeGenerator) Generate(_ context.Context, loan *Loan, _ *Title, _ *Patron) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail != nil {
		return "", g.fail
	}
	return fmt.Sprintf("loan-%s.txt", loan.ID), nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	deleted []string
	fail    error
}

func (a *fakeArtifacts) Delete(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.deleted = append(a.deleted, ref)
	return nil
}

func (a *fakeArtifacts) deletedRefs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	fail     error
	failNext int // fail this many sends, then succeed
}

func (n *fakeNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	if n.failNext > 0 {
		n.failNext--
		return errors.New("smtp connection refused")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) sentNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fixture struct {
	svc       *service
	store     *memStore
	generator *fakeGenerator
	artifacts *fakeArtifacts
	notifier  *fakeNotifier
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:     newMemStore(),
		generator: &fakeGenerator{},
		artifacts: &fakeArtifacts{},
		notifier:  &fakeNotifier{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(f.store, f.generator, f.artifacts, f.notifier, audit.NopSink{}, logger, cfg)

	f.svc = svc.(*service)
	f.svc.now = func() time.Time { return testNow }
	return f
}

// serviceOver builds a second service sharing the fixture's collaborators
// and clock but running on a different Store.
func (f *fixture) serviceOver(store Store) *service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, f.generator, f.artifacts, f.notifier, audit.NopSink{}, logger, f.svc.cfg).(*service)
	svc.now = f.svc.now
	return svc
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(ctx context.Context, n Notification) error

func (fn notifierFunc) Send(ctx context.Context, n Notification) error { return fn(ctx, n) }

func (f *fixture) lendableTitle(copies int) *Title {
	return f.store.addTitle(Title{
		Title:       "The Dispossessed",
		Author:      "Ursula K. Le Guin",
		OwnedCopies: copies,
		IsVisible:   true,
	})
}

func (f *fixture) activePatron() *Patron {
	return f.store.addPatron(Patron{DisplayName: "Reader", IsActive: true})
}
