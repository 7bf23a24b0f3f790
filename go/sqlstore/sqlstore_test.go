package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/eventstoretest"
	"github.com/estuary/flow/go/sqlstore"
)

func TestConformance(t *testing.T) {
	eventstoretest.RunConformance(t, func(t *testing.T) eventstore.CommitStore {
		db, err := sqlstore.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return sqlstore.New(db, sqlstore.Config{})
	})
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	var store = sqlstore.New(db, sqlstore.Config{})
	require.NoError(t, store.Drop(context.Background()))
}

// TestGetFromDetectsChecksumMismatch corrupts a persisted events blob
// directly through the database handle (bypassing Store entirely) and
// verifies GetFrom surfaces *eventstore.ChecksumMismatchError rather than
// silently returning the tampered commit.
func TestGetFromDetectsChecksumMismatch(t *testing.T) {
	var ctx = context.Background()
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	var store = sqlstore.New(db, sqlstore.Config{})
	_, err = store.Commit(ctx, eventstore.CommitAttempt{
		BucketId: "b", StreamId: "s", CommitId: "c1",
		CommitSequence: 1, StreamRevision: 1, CommitStamp: time.Unix(0, 0).UTC(),
		Events: []eventstore.EventMessage{{Body: []byte(`"original"`)}},
	})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE commits SET events = ? WHERE commit_id = 'c1'`, `[{"body":"dGFtcGVyZWQ="}]`)
	require.NoError(t, err)

	_, err = store.GetFrom(ctx, "b", "s", 0, eventstore.MaxRevision)
	var mismatch *eventstore.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
}
