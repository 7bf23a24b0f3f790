package sqlstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/estuary/flow/go/eventstore"
)

// Fence is an installed barrier against a shared etcd key that prevents an
// older process instance from committing once a newer one has taken over a
// stream, the distributed analogue of the corpus's own shared-checkpoints-
// table Fence (go/materialize/driver/sql2/fence.go), swapping the backing
// medium for an etcd compare-and-swap so the fence survives across multiple
// sqlstore processes sharing one SQLite file over a network filesystem.
//
// One Fence is shared by a Store across every stream it serves, so Acquire
// and Check -- called concurrently for different streams -- must guard
// fences with mu rather than assume single-threaded access.
type Fence struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	fences map[string]int64
}

// NewFence returns a Fence bound to client, storing its per-stream fence
// counters under prefix (e.g. "/streamstore/fence").
func NewFence(client *clientv3.Client, prefix string) *Fence {
	return &Fence{client: client, prefix: prefix, fences: map[string]int64{}}
}

func (f *Fence) key(bucketId, streamId string) string {
	return fmt.Sprintf("%s/%s/%s", f.prefix, bucketId, streamId)
}

// Acquire increments the fence counter for (bucketId, streamId), fencing off
// any process instance that acquired it previously, and remembers the new
// value as this instance's own fence.
func (f *Fence) Acquire(ctx context.Context, bucketId, streamId string) error {
	var key = f.key(bucketId, streamId)

	resp, err := f.client.Get(ctx, key)
	if err != nil {
		return &eventstore.StorageError{Op: "Fence.Acquire.Get", Cause: err}
	}

	var current int64
	var modRevision int64
	if len(resp.Kvs) > 0 {
		current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if err != nil {
			return &eventstore.StorageError{Op: "Fence.Acquire.parse", Cause: err}
		}
		modRevision = resp.Kvs[0].ModRevision
	}

	var next = current + 1
	txn := f.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)).
		Then(clientv3.OpPut(key, strconv.FormatInt(next, 10)))

	committed, err := txn.Commit()
	if err != nil {
		return &eventstore.StorageError{Op: "Fence.Acquire.Txn", Cause: err}
	}
	if !committed.Succeeded {
		// Another instance raced us to increment the same fence; retry once
		// is left to the caller, matching Check's own single-shot contract.
		return &eventstore.ConcurrencyError{
			BucketId: bucketId, StreamId: streamId,
			AttemptedSequence: next, ExpectedSequence: current + 1,
		}
	}

	f.mu.Lock()
	f.fences[key] = next
	f.mu.Unlock()
	return nil
}

// Check fails the call with *eventstore.ConcurrencyError if a newer fence
// has since been installed by another process for (bucketId, streamId).
// Store.Commit calls Check immediately before its own transaction so a
// fenced-off instance never durably commits.
func (f *Fence) Check(ctx context.Context, bucketId, streamId string) error {
	var key = f.key(bucketId, streamId)
	f.mu.Lock()
	var mine, acquired = f.fences[key]
	f.mu.Unlock()
	if !acquired {
		return f.Acquire(ctx, bucketId, streamId)
	}

	resp, err := f.client.Get(ctx, key)
	if err != nil {
		return &eventstore.StorageError{Op: "Fence.Check", Cause: err}
	}
	if len(resp.Kvs) == 0 {
		return &eventstore.StorageError{Op: "Fence.Check", Cause: fmt.Errorf("fence key %q vanished", key)}
	}

	current, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return &eventstore.StorageError{Op: "Fence.Check.parse", Cause: err}
	}
	if current != mine {
		return &eventstore.ConcurrencyError{
			BucketId: bucketId, StreamId: streamId,
			AttemptedSequence: mine, ExpectedSequence: current,
		}
	}
	return nil
}
