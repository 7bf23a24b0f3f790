// Package eventstoretest is the shared conformance suite every
// eventstore.CommitStore back-end runs against, the way the corpus runs
// the same sql2 driver tests against multiple SQL dialects. It exercises
// exactly the contract spec §4.1 and §8 describe, nothing back-end
// specific.
package eventstoretest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
)

// Factory returns a fresh, empty CommitStore for one test case. It must
// not share state with any previously-returned store.
type Factory func(t *testing.T) eventstore.CommitStore

// RunConformance runs the full suite against store-producing factory.
func RunConformance(t *testing.T, factory Factory) {
	t.Run("AppendAndReadBack", func(t *testing.T) { testAppendAndReadBack(t, factory) })
	t.Run("ConcurrencyConflict", func(t *testing.T) { testConcurrencyConflict(t, factory) })
	t.Run("DuplicateCommitId", func(t *testing.T) { testDuplicateCommitId(t, factory) })
	t.Run("RangeQuery", func(t *testing.T) { testRangeQuery(t, factory) })
	t.Run("MarkDispatched", func(t *testing.T) { testMarkDispatched(t, factory) })
}

func event(body string) eventstore.EventMessage {
	return eventstore.EventMessage{Body: []byte(body)}
}

func testAppendAndReadBack(t *testing.T, factory Factory) {
	var ctx = context.Background()
	var store = factory(t)

	var attempt = eventstore.CommitAttempt{
		BucketId:       "b",
		StreamId:       "s",
		CommitId:       "c1",
		CommitSequence: 1,
		StreamRevision: 2,
		CommitStamp:    time.Now().UTC(),
		Headers:        map[string]interface{}{"k": "v"},
		Events:         []eventstore.EventMessage{event("e1"), event("e2")},
	}
	commit, err := store.Commit(ctx, attempt)
	require.NoError(t, err)
	require.Equal(t, int64(1), commit.CommitSequence)
	require.Equal(t, int64(2), commit.StreamRevision)
	require.NotEmpty(t, commit.CheckpointToken)

	commits, err := store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, attempt.CommitId, commits[0].CommitId)
	require.Len(t, commits[0].Events, 2)
}

func testConcurrencyConflict(t *testing.T, factory Factory) {
	var ctx = context.Background()
	var store = factory(t)

	var first = eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 1,
		CommitStamp: time.Now().UTC(),
		Events:      []eventstore.EventMessage{event("e1")},
	}
	_, err := store.Commit(ctx, first)
	require.NoError(t, err)

	// Same CommitSequence again: another writer raced us.
	var racer = eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c2",
		CommitSequence: 1, StreamRevision: 2,
		CommitStamp: time.Now().UTC(),
		Events:      []eventstore.EventMessage{event("e2")},
	}
	_, err = store.Commit(ctx, racer)
	require.Error(t, err)

	var conflict *eventstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
}

func testDuplicateCommitId(t *testing.T, factory Factory) {
	var ctx = context.Background()
	var store = factory(t)

	var attempt = eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "dup",
		CommitSequence: 1, StreamRevision: 1,
		CommitStamp: time.Now().UTC(),
		Events:      []eventstore.EventMessage{event("e1")},
	}
	_, err := store.Commit(ctx, attempt)
	require.NoError(t, err)

	var again = attempt
	again.CommitSequence = 2
	again.StreamRevision = 2
	_, err = store.Commit(ctx, again)
	require.Error(t, err)

	var dup *eventstore.DuplicateCommitError
	require.ErrorAs(t, err, &dup)
}

func testRangeQuery(t *testing.T, factory Factory) {
	var ctx = context.Background()
	var store = factory(t)

	var seqRev = []struct {
		seq, rev int64
		events   int
	}{
		{1, 2, 2}, // E1, E2
		{2, 4, 2}, // E3, E4
		{3, 6, 2}, // E5, E6
		{4, 8, 2}, // E7, E8
	}
	var n = 0
	for _, sr := range seqRev {
		var events []eventstore.EventMessage
		for i := 0; i < sr.events; i++ {
			n++
			events = append(events, event(eventLabel(n)))
		}
		_, err := store.Commit(ctx, eventstore.CommitAttempt{
			BucketId: "b", StreamId: "s", CommitId: eventLabel(100 + int(sr.seq)),
			CommitSequence: sr.seq, StreamRevision: sr.rev,
			CommitStamp: time.Now().UTC(),
			Events:      events,
		})
		require.NoError(t, err)
	}

	commits, err := store.GetFrom(ctx, "b", "s", 2, 7)
	require.NoError(t, err)

	var total = 0
	for _, c := range commits {
		total += len(c.Events)
	}
	// Every commit whose revision range intersects [2,7] must be returned;
	// the session is responsible for trimming to the exact [2,7] window.
	require.GreaterOrEqual(t, total, 6)
}

func eventLabel(n int) string {
	return "e" + strconv.Itoa(n)
}

func testMarkDispatched(t *testing.T, factory Factory) {
	var ctx = context.Background()
	var store = factory(t)

	_, err := store.Commit(ctx, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 1,
		CommitStamp: time.Now().UTC(),
		Events:      []eventstore.EventMessage{event("e1")},
	})
	require.NoError(t, err)

	undispatched, err := store.GetUndispatched(ctx, "b")
	require.NoError(t, err)
	require.Len(t, undispatched, 1)

	require.NoError(t, store.MarkDispatched(ctx, "b", "s", 1))

	undispatched, err = store.GetUndispatched(ctx, "b")
	require.NoError(t, err)
	require.Len(t, undispatched, 0)
}
