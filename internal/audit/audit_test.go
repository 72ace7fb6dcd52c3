package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulate/internal/storage/adapters"
)

type fakeResult struct{}

func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeQuerier struct {
	execErr error
	queries []string
	args    [][]any
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (adapters.DBRows, error) {
	return nil, errors.New("not used")
}

func (f *fakeQuerier) Exec(_ context.Context, query string, args ...any) (adapters.DBResult, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeResult{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDBSinkPersistsEvent(t *testing.T) {
	q := &fakeQuerier{}
	sink := NewDBSink(q, testLogger())

	actor := uuid.New()
	target := uuid.New()
	sink.Record(context.Background(), Event{
		ActorID:    &actor,
		Action:     "checkout",
		TargetType: "loan",
		TargetID:   target,
		Detail:     "Checked out a title",
		Metadata:   map[string]any{"copies": 2},
	})

	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0], "INSERT INTO audit_events")

	args := q.args[0]
	require.Len(t, args, 8)
	assert.Equal(t, &actor, args[1])
	assert.Equal(t, "checkout", args[2])
	assert.Equal(t, "loan", args[3])
	assert.Equal(t, target, args[4])
	assert.JSONEq(t, `{"copies":2}`, args[6].(string))
}

func TestDBSinkSwallowsWriteFailures(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("connection lost")}
	sink := NewDBSink(q, testLogger())

	assert.NotPanics(t, func() {
		sink.Record(context.Background(), Event{Action: "return", TargetType: "loan", TargetID: uuid.New()})
	})
}

func TestNopSink(t *testing.T) {
	assert.NotPanics(t, func() {
		NopSink{}.Record(context.Background(), Event{Action: "noop"})
	})
}
