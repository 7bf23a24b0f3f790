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

func TestFromSnapshot(t *testing.T) {
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

	var snap = eventstore.Snapshot{
		BucketId:       "b",
		StreamId:       "s",
		StreamRevision: 2,
		Headers:        map[string]interface{}{"compacted": true},
	}

	var factory = stream.NewFactory(store)
	session, err := factory.FromSnapshot(ctx, snap, eventstore.MaxRevision)
	require.NoError(t, err)

	require.Equal(t, int64(4), session.StreamRevision())
	require.Equal(t, 2, session.CommittedEvents().Len())
	require.Equal(t, []byte("e3"), session.CommittedEvents().At(0).Body)
	require.Equal(t, []byte("e4"), session.CommittedEvents().At(1).Body)

	val, ok := session.CommittedHeaders().Get("compacted")
	require.True(t, ok)
	require.Equal(t, true, val)
}

func TestFromSnapshotNoNewCommits(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	mustCommit(t, ctx, store, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 3, CommitStamp: time.Now().UTC(),
		Events: []eventstore.EventMessage{body("e1"), body("e2"), body("e3")},
	})

	var snap = eventstore.Snapshot{BucketId: "b", StreamId: "s", StreamRevision: 3}
	var factory = stream.NewFactory(store)
	session, err := factory.FromSnapshot(ctx, snap, eventstore.MaxRevision)
	require.NoError(t, err)

	require.Equal(t, int64(3), session.StreamRevision())
	require.Equal(t, 0, session.CommittedEvents().Len())
}
