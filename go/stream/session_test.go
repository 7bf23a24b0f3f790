package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/memstore"
	"github.com/estuary/flow/go/stream"
)

func mustCommit(t *testing.T, ctx context.Context, store eventstore.CommitStore, attempt eventstore.CommitAttempt) eventstore.Commit {
	t.Helper()
	var commit, err = store.Commit(ctx, attempt)
	require.NoError(t, err)
	return commit
}

func body(s string) eventstore.EventMessage { return eventstore.EventMessage{Body: []byte(s)} }

// TestRangeLoad covers spec §8 scenario 1. The spec's own fixture commits
// two commits with the same CommitSequence==3 ("when_building_a_stream"),
// which spec §9's design notes flag as a test-data artifact that must not
// be emulated -- strictly monotone sequences are the contract (spec §3
// invariant 2). This fixture uses the corrected, contiguous sequence
// 1..4, so the expected CommitSequence below (4) differs from the number
// spec.md's prose names (3) for that reason.
func TestRangeLoad(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 2, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e1"), body("e2")},
	})
	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c2",
		CommitSequence: 2, StreamRevision: 4, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e3"), body("e4")},
	})
	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c3",
		CommitSequence: 3, StreamRevision: 6, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e5"), body("e6")},
	})
	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c4",
		CommitSequence: 4, StreamRevision: 8, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e7"), body("e8")},
	})

	var factory = stream.NewFactory(store)
	session, err := factory.Load(ctx, "b", "s", 2, 7)
	require.NoError(t, err)

	require.Equal(t, int64(7), session.StreamRevision())
	require.Equal(t, int64(4), session.CommitSequence())

	var events = session.CommittedEvents()
	require.Equal(t, 6, events.Len())
	require.Equal(t, []byte("e2"), events.At(0).Body)
	require.Equal(t, []byte("e3"), events.At(1).Body)
	require.Equal(t, []byte("e4"), events.At(2).Body)
	require.Equal(t, []byte("e5"), events.At(3).Body)
	require.Equal(t, []byte("e6"), events.At(4).Body)
	require.Equal(t, []byte("e7"), events.At(5).Body)
}

// TestOpenStreamFull covers spec §8 scenario 2.
func TestOpenStreamFull(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	for i, seqRev := range [][2]int64{{1, 2}, {2, 4}, {3, 6}, {4, 8}} {
		mustCommit(t, ctx, store, eventstore.CommitAttempt{
			BucketId: "b", StreamId: "s", CommitId: string(rune('a' + i)),
			CommitSequence: seqRev[0], StreamRevision: seqRev[1], CommitStamp: time.Now().UTC(),
			Events: []eventstore.EventMessage{body("x"), body("y")},
		})
	}

	var factory = stream.NewFactory(store)
	session, err := factory.Load(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)

	require.Equal(t, int64(8), session.StreamRevision())
	require.Equal(t, 8, session.CommittedEvents().Len())
}

// TestAppendAndCommit covers spec §8 scenario 3.
func TestAppendAndCommit(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var factory = stream.NewFactory(store)

	var session = factory.Fresh("b", "s")
	require.NoError(t, session.Add(body("x")))
	session.UncommittedHeaders()["k"] = "v"

	require.NoError(t, session.CommitChanges(ctx, "g1"))

	require.Equal(t, int64(1), session.StreamRevision())
	require.Equal(t, int64(1), session.CommitSequence())
	require.Equal(t, 0, session.UncommittedEvents().Len())
	require.Empty(t, session.UncommittedHeaders())

	val, ok := session.CommittedHeaders().Get("k")
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.Equal(t, 1, session.CommittedEvents().Len())
	require.Equal(t, []byte("x"), session.CommittedEvents().At(0).Body)

	commits, err := store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, int64(1), commits[0].StreamRevision)
	require.Equal(t, int64(1), commits[0].CommitSequence)
	require.Len(t, commits[0].Events, 1)
	require.Equal(t, "v", commits[0].Headers["k"])
}

// TestDuplicateCommitId covers spec §8 scenario 4.
func TestDuplicateCommitId(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "g",
		CommitSequence: 1, StreamRevision: 1, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("x")},
	})

	var factory = stream.NewFactory(store)
	session, err := factory.Load(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)

	require.NoError(t, session.Add(body("y")))
	err = session.CommitChanges(ctx, "g")

	var dup *eventstore.DuplicateCommitError
	require.ErrorAs(t, err, &dup)
	// Local rejection happens before the store is ever consulted: the
	// session's view is unchanged.
	require.Equal(t, int64(1), session.StreamRevision())
	require.Equal(t, int64(1), session.CommitSequence())
	require.Equal(t, 1, session.UncommittedEvents().Len())
}

// TestConcurrencyConflictReconciles covers spec §8 scenario 5.
func TestConcurrencyConflictReconciles(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 1, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e0")},
	})

	var factory = stream.NewFactory(store)
	session, err := factory.Load(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Equal(t, int64(1), session.StreamRevision())
	require.Equal(t, int64(1), session.CommitSequence())

	// Another writer races in behind the session's back.
	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "external",
		CommitSequence: 2, StreamRevision: 3, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("eprime"), body("eprimeprime")},
	})

	require.NoError(t, session.Add(body("mine")))
	err = session.CommitChanges(ctx, "mine")

	var conflict *eventstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)

	require.Equal(t, int64(3), session.StreamRevision())
	require.Equal(t, int64(2), session.CommitSequence())
	require.Equal(t, []byte("eprimeprime"), session.CommittedEvents().At(session.CommittedEvents().Len()-1).Body)

	require.Equal(t, 1, session.UncommittedEvents().Len())
	require.Equal(t, []byte("mine"), session.UncommittedEvents().At(0).Body)
}

// TestDisposed covers spec §8 scenario 6.
func TestDisposed(t *testing.T) {
	var ctx = context.Background()
	var factory = stream.NewFactory(memstore.New())
	var session = factory.Fresh("b", "s")

	session.Dispose()

	err := session.CommitChanges(ctx, "new")
	var disposed *eventstore.DisposedError
	require.ErrorAs(t, err, &disposed)
}

func TestEmptyCommitIsNoop(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var factory = stream.NewFactory(store)
	var session = factory.Fresh("b", "s")

	require.NoError(t, session.CommitChanges(ctx, "whatever"))
	require.Equal(t, int64(0), session.StreamRevision())
	require.Equal(t, int64(0), session.CommitSequence())

	commits, err := store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestViewsRejectMutation(t *testing.T) {
	var factory = stream.NewFactory(memstore.New())
	var session = factory.Fresh("b", "s")
	require.NoError(t, session.Add(body("x")))

	var uncommitted = session.UncommittedEvents()
	require.Error(t, uncommitted.Add(body("y")))
	require.Error(t, uncommitted.Remove(0))
	require.Error(t, uncommitted.Clear())

	var committed = session.CommittedEvents()
	require.Error(t, committed.Add(body("y")))
	require.Error(t, committed.Remove(0))
	require.Error(t, committed.Clear())
}

func TestStreamNotFoundWhenMinRevAboveEmptyRange(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var factory = stream.NewFactory(store)

	_, err := factory.Load(ctx, "b", "missing", 1, eventstore.MaxRevision)
	var notFound *eventstore.StreamNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAddRejectsNilBody(t *testing.T) {
	var factory = stream.NewFactory(memstore.New())
	var session = factory.Fresh("b", "s")

	err := session.Add(eventstore.EventMessage{})
	var nullArg *eventstore.NullArgumentError
	require.ErrorAs(t, err, &nullArg)
}
