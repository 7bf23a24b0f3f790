// Package cachestore decorates any eventstore.CommitStore with an
// in-process LRU cache of each stream's full commit log (SPEC_FULL.md §4.9),
// grounded on go/network/frontend.go's lru.Cache[K, V] usage for its SNI
// resolution cache -- the same generic, fixed-capacity eviction policy,
// applied here to the fold path a session exercises on every Load.
package cachestore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/flow/go/eventstore"
)

type streamKey struct{ bucketId, streamId string }

// cacheEntry pairs a cached full commit log with the write-generation it was
// read under, so a GetFrom miss that races a concurrent Commit can detect
// that the store moved on while it was reading and decline to cache what it
// fetched, rather than pin a stale log until the next write.
type cacheEntry struct {
	commits []eventstore.Commit
	gen     uint64
}

// Store wraps inner, caching each stream's full commit log (as returned by
// GetFrom(ctx, bucket, stream, 0, MaxRevision)) so repeated session loads of
// a hot stream don't re-hit inner's GetFrom. Reads against a narrower
// [min, max] window are served by filtering the cached full log in memory.
// A cache entry is invalidated (not updated) on any write to its stream, so
// correctness never depends on replicating inner's exact semantics twice.
//
// Invalidation alone isn't sufficient: a GetFrom miss can read inner's log
// before a concurrent Commit lands, then (without checking) cache that
// now-stale read after Commit's own invalidate has already run. gen tracks
// a per-stream write counter bumped by every invalidate; a fetch is only
// cached if gen hasn't moved since the fetch started, closing that race.
type Store struct {
	inner eventstore.CommitStore
	cache *lru.Cache[streamKey, cacheEntry]

	mu  sync.Mutex
	gen map[streamKey]uint64
}

// New wraps inner with an LRU cache holding up to capacity streams' full
// commit logs.
func New(inner eventstore.CommitStore, capacity int) (*Store, error) {
	cache, err := lru.New[streamKey, cacheEntry](capacity)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "cachestore.New", Cause: err}
	}
	return &Store{inner: inner, cache: cache, gen: map[streamKey]uint64{}}, nil
}

var _ eventstore.CommitStore = (*Store)(nil)

func (s *Store) invalidate(bucketId, streamId string) {
	var key = streamKey{bucketId, streamId}
	s.cache.Remove(key)
	s.mu.Lock()
	s.gen[key]++
	s.mu.Unlock()
}

// GetFrom implements eventstore.CommitStore.
func (s *Store) GetFrom(ctx context.Context, bucketId, streamId string, minRevision, maxRevision int64) ([]eventstore.Commit, error) {
	var key = streamKey{bucketId, streamId}

	entry, ok := s.cache.Get(key)
	if !ok {
		s.mu.Lock()
		var startGen = s.gen[key]
		s.mu.Unlock()

		full, err := s.inner.GetFrom(ctx, bucketId, streamId, 0, eventstore.MaxRevision)
		if err != nil {
			return nil, err
		}
		entry = cacheEntry{commits: full, gen: startGen}

		s.mu.Lock()
		if s.gen[key] == startGen {
			s.cache.Add(key, entry)
		}
		s.mu.Unlock()
	}

	var out = make([]eventstore.Commit, 0, len(entry.commits))
	for _, c := range entry.commits {
		var first = c.StreamRevision - int64(len(c.Events)) + 1
		if c.StreamRevision < minRevision || first > maxRevision {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Commit implements eventstore.CommitStore. The stream's cache entry is
// dropped rather than appended to, so a concurrent GetFrom from another
// goroutine never observes a half-updated cache.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	commit, err := s.inner.Commit(ctx, attempt)
	if err == nil {
		s.invalidate(attempt.BucketId, attempt.StreamId)
	}
	return commit, err
}

// MarkDispatched implements eventstore.CommitStore.
func (s *Store) MarkDispatched(ctx context.Context, bucketId, streamId string, commitSequence int64) error {
	var err = s.inner.MarkDispatched(ctx, bucketId, streamId, commitSequence)
	if err == nil {
		s.invalidate(bucketId, streamId)
	}
	return err
}

// GetUndispatched implements eventstore.CommitStore. Not cached: dispatch
// bookkeeping is a low-frequency, bucket-wide scan unrelated to the
// session's fold path this cache exists to serve.
func (s *Store) GetUndispatched(ctx context.Context, bucketId string) ([]eventstore.Commit, error) {
	return s.inner.GetUndispatched(ctx, bucketId)
}

// GetSnapshot implements eventstore.CommitStore.
func (s *Store) GetSnapshot(ctx context.Context, bucketId, streamId string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	return s.inner.GetSnapshot(ctx, bucketId, streamId, maxRevision)
}

// AddSnapshot implements eventstore.CommitStore.
func (s *Store) AddSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	return s.inner.AddSnapshot(ctx, snap)
}

// DeleteStream implements eventstore.CommitStore.
func (s *Store) DeleteStream(ctx context.Context, bucketId, streamId string) error {
	var err = s.inner.DeleteStream(ctx, bucketId, streamId)
	if err == nil {
		s.invalidate(bucketId, streamId)
	}
	return err
}

// Purge implements eventstore.CommitStore.
func (s *Store) Purge(ctx context.Context, bucketId string) error {
	var err = s.inner.Purge(ctx, bucketId)
	if err == nil {
		for _, key := range s.cache.Keys() {
			if key.bucketId == bucketId {
				s.cache.Remove(key)
			}
		}
	}
	return err
}

// Drop implements eventstore.CommitStore.
func (s *Store) Drop(ctx context.Context) error {
	var err = s.inner.Drop(ctx)
	if err == nil {
		s.cache.Purge()
	}
	return err
}
