package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/memstore"
	"github.com/estuary/flow/go/stream"
)

// foldResult is the deterministic, timestamp-free projection of a session
// that golden snapshots are taken against -- CommitStamp is excluded since
// cupaloy snapshots must be stable across runs.
type foldResult struct {
	StreamRevision int64
	CommitSequence int64
	Events         []eventstore.EventMessage
	Headers        map[string]interface{}
}

func snapshotOf(s *stream.OptimisticEventStream) foldResult {
	return foldResult{
		StreamRevision: s.StreamRevision(),
		CommitSequence: s.CommitSequence(),
		Events:         s.CommittedEvents().Slice(),
		Headers:        s.CommittedHeaders().Map(),
	}
}

// TestGoldenRangeLoad snapshots the folded view of a two-commit stream
// loaded over its full revision range, guarding against accidental fold-algorithm
// regressions the same way the corpus pins catalog build output with
// cupaloy (go/flow/converge_test.go).
func TestGoldenRangeLoad(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 2, CommitStamp: time.Unix(0, 0).UTC(),
		Headers: map[string]interface{}{"a": "1"},
		Events:  []eventstore.EventMessage{body("e1"), body("e2")},
	})
	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c2",
		CommitSequence: 2, StreamRevision: 4, CommitStamp: time.Unix(0, 0).UTC(),
		Headers: map[string]interface{}{"b": "2"},
		Events:  []eventstore.EventMessage{body("e3"), body("e4")},
	})

	var factory = stream.NewFactory(store)
	session, err := factory.Load(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)

	cupaloy.SnapshotT(t, snapshotOf(session))
}

// TestGoldenAppendAndCommit snapshots a freshly committed session, covering
// the append/commit path rather than the range-load path above.
func TestGoldenAppendAndCommit(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var factory = stream.NewFactory(store, stream.WithClock(eventstore.FixedClock{At: time.Unix(0, 0).UTC()}))

	var session = factory.Fresh("b", "s")
	require.NoError(t, session.Add(body("x")))
	session.UncommittedHeaders()["k"] = "v"
	require.NoError(t, session.CommitChanges(ctx, "g1"))

	cupaloy.SnapshotT(t, snapshotOf(session))
}
