package cachestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/cachestore"
	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/eventstoretest"
	"github.com/estuary/flow/go/memstore"
)

func TestConformance(t *testing.T) {
	eventstoretest.RunConformance(t, func(t *testing.T) eventstore.CommitStore {
		store, err := cachestore.New(memstore.New(), 16)
		require.NoError(t, err)
		return store
	})
}

func TestCacheInvalidatesOnCommit(t *testing.T) {
	var ctx = context.Background()
	var inner = memstore.New()
	store, err := cachestore.New(inner, 16)
	require.NoError(t, err)

	_, err = store.Commit(ctx, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 1,
		Events: []eventstore.EventMessage{{Body: []byte("e1")}},
	})
	require.NoError(t, err)

	commits, err := store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Len(t, commits, 1)

	_, err = store.Commit(ctx, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c2",
		CommitSequence: 2, StreamRevision: 2,
		Events: []eventstore.EventMessage{{Body: []byte("e2")}},
	})
	require.NoError(t, err)

	commits, err = store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	require.NoError(t, err)
	require.Len(t, commits, 2)
}
