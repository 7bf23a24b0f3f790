// Package memstore is the reference in-memory eventstore.CommitStore: the
// semantics oracle every other back-end is conformance-tested against
// (spec §4.5). Per stream, it holds an ordered slice of commits guarded by
// a single exclusive lock.
package memstore

import (
	"context"
	"sync"

	"github.com/estuary/flow/go/eventstore"
)

type streamKey struct {
	bucketId, streamId string
}

type streamLog struct {
	mu      sync.Mutex
	commits []eventstore.Commit
}

// Store is the reference CommitStore implementation.
type Store struct {
	mu        sync.Mutex
	streams   map[streamKey]*streamLog
	snapshots map[streamKey][]eventstore.Snapshot
	checkpoint int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		streams:   map[streamKey]*streamLog{},
		snapshots: map[streamKey][]eventstore.Snapshot{},
	}
}

func (s *Store) logFor(key streamKey) *streamLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log, ok = s.streams[key]
	if !ok {
		log = &streamLog{}
		s.streams[key] = log
	}
	return log
}

// GetFrom implements eventstore.CommitStore.
func (s *Store) GetFrom(_ context.Context, bucketId, streamId string, minRevision, maxRevision int64) ([]eventstore.Commit, error) {
	var log = s.logFor(streamKey{bucketId, streamId})
	log.mu.Lock()
	defer log.mu.Unlock()

	var out = make([]eventstore.Commit, 0, len(log.commits))
	for _, c := range log.commits {
		var first = c.StreamRevision - int64(len(c.Events)) + 1
		if c.StreamRevision < minRevision || first > maxRevision {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Commit implements eventstore.CommitStore. It takes the per-stream lock,
// verifies CommitSequence == len(commits)+1 (else *eventstore.ConcurrencyError),
// verifies CommitId is not already present (else *eventstore.DuplicateCommitError),
// appends, and assigns a monotonically increasing global CheckpointToken.
func (s *Store) Commit(_ context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	var key = streamKey{attempt.BucketId, attempt.StreamId}
	var log = s.logFor(key)
	log.mu.Lock()
	defer log.mu.Unlock()

	var expected = int64(len(log.commits) + 1)
	if attempt.CommitSequence != expected {
		return eventstore.Commit{}, &eventstore.ConcurrencyError{
			BucketId:          attempt.BucketId,
			StreamId:          attempt.StreamId,
			AttemptedSequence: attempt.CommitSequence,
			ExpectedSequence:  expected,
		}
	}
	for _, existing := range log.commits {
		if existing.CommitId == attempt.CommitId {
			return eventstore.Commit{}, &eventstore.DuplicateCommitError{
				BucketId: attempt.BucketId,
				StreamId: attempt.StreamId,
				CommitId: attempt.CommitId,
			}
		}
	}

	checksum, err := eventstore.Checksum(attempt)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "checksum", Cause: err}
	}

	var commit = eventstore.Commit{
		BucketId:        attempt.BucketId,
		StreamId:        attempt.StreamId,
		CommitId:        attempt.CommitId,
		CommitSequence:  attempt.CommitSequence,
		StreamRevision:  attempt.StreamRevision,
		CommitStamp:     attempt.CommitStamp,
		Headers:         attempt.Headers,
		Events:          attempt.Events,
		Checksum:        checksum,
		CheckpointToken: s.nextCheckpoint(),
	}
	log.commits = append(log.commits, commit)
	return commit, nil
}

func (s *Store) nextCheckpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint++
	return formatCheckpoint(s.checkpoint)
}

// MarkDispatched implements eventstore.CommitStore.
func (s *Store) MarkDispatched(_ context.Context, bucketId, streamId string, commitSequence int64) error {
	var log = s.logFor(streamKey{bucketId, streamId})
	log.mu.Lock()
	defer log.mu.Unlock()

	for i := range log.commits {
		if log.commits[i].CommitSequence == commitSequence {
			log.commits[i].IsDispatched = true
			return nil
		}
	}
	return nil
}

// GetUndispatched implements eventstore.CommitStore.
func (s *Store) GetUndispatched(_ context.Context, bucketId string) ([]eventstore.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []eventstore.Commit
	for key, log := range s.streams {
		if key.bucketId != bucketId {
			continue
		}
		log.mu.Lock()
		for _, c := range log.commits {
			if !c.IsDispatched {
				out = append(out, c)
			}
		}
		log.mu.Unlock()
	}
	return out, nil
}

// GetSnapshot implements eventstore.CommitStore.
func (s *Store) GetSnapshot(_ context.Context, bucketId, streamId string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	s.mu.Lock()
	var snaps = append([]eventstore.Snapshot(nil), s.snapshots[streamKey{bucketId, streamId}]...)
	s.mu.Unlock()

	var best eventstore.Snapshot
	var found bool
	for _, snap := range snaps {
		if snap.StreamRevision <= maxRevision && (!found || snap.StreamRevision > best.StreamRevision) {
			best, found = snap, true
		}
	}
	return best, found, nil
}

// AddSnapshot implements eventstore.CommitStore.
func (s *Store) AddSnapshot(_ context.Context, snap eventstore.Snapshot) error {
	var key = streamKey{snap.BucketId, snap.StreamId}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

// DeleteStream implements eventstore.CommitStore.
func (s *Store) DeleteStream(_ context.Context, bucketId, streamId string) error {
	var key = streamKey{bucketId, streamId}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, key)
	delete(s.snapshots, key)
	return nil
}

// Purge implements eventstore.CommitStore.
func (s *Store) Purge(_ context.Context, bucketId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.streams {
		if key.bucketId == bucketId {
			delete(s.streams, key)
			delete(s.snapshots, key)
		}
	}
	return nil
}

// Drop implements eventstore.CommitStore.
func (s *Store) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = map[streamKey]*streamLog{}
	s.snapshots = map[streamKey][]eventstore.Snapshot{}
	s.checkpoint = 0
	return nil
}

var _ eventstore.CommitStore = (*Store)(nil)
