package rocksstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/eventstoretest"
	"github.com/estuary/flow/go/rocksstore"
)

func TestConformance(t *testing.T) {
	eventstoretest.RunConformance(t, func(t *testing.T) eventstore.CommitStore {
		var dir = t.TempDir()
		store, err := rocksstore.Open(dir)
		require.NoError(t, err)
		t.Cleanup(store.Close)
		return store
	})
}
