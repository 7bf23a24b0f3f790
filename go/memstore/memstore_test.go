package memstore_test

import (
	"testing"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/eventstoretest"
	"github.com/estuary/flow/go/memstore"
)

func TestConformance(t *testing.T) {
	eventstoretest.RunConformance(t, func(t *testing.T) eventstore.CommitStore {
		return memstore.New()
	})
}
