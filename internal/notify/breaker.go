package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"circulate/internal/circulation"
)

// Breaker wraps a Notifier with a circuit breaker so a dead mail relay
// fails fast instead of stalling every sweep. Callers treat a tripped
// breaker the same as any other delivery failure: the notification is
// retried on a later pass.
type Breaker struct {
	next circulation.Notifier
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next circulation.Notifier, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notifier",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Breaker{next: next, cb: cb}
}

// Send implements circulation.Notifier.
func (b *Breaker) Send(ctx context.Context, n circulation.Notification) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, n)
	})
	return err
}
