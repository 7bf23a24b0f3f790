// Package stream implements the commit-boundary state machine that
// mediates between an application aggregate and a pluggable
// eventstore.CommitStore: OptimisticEventStream. See SPEC_FULL.md §4.2 for
// the full contract; this file follows it operation by operation.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/ops"
	"github.com/estuary/flow/go/ops/metrics"
)

// OptimisticEventStream is the in-memory session bound to one stream. It is
// a single-owner object: exactly one caller may invoke operations on a
// given instance at a time (spec §5); sharing across goroutines requires
// external serialization.
type OptimisticEventStream struct {
	bucketId, streamId string

	store   eventstore.CommitStore
	clock   eventstore.Clock
	logger  *ops.Logger
	metrics *metrics.Recorder

	streamRevision int64
	commitSequence int64

	committedEvents  []eventstore.EventMessage
	committedHeaders map[string]interface{}

	uncommittedEvents  []eventstore.EventMessage
	uncommittedHeaders map[string]interface{}

	seenCommitIds map[string]struct{}

	disposed bool
}

// BucketId returns the stream's bucket.
func (s *OptimisticEventStream) BucketId() string { return s.bucketId }

// StreamId returns the stream's id.
func (s *OptimisticEventStream) StreamId() string { return s.streamId }

// StreamRevision returns the revision of the newest committed event folded
// into this session.
func (s *OptimisticEventStream) StreamRevision() int64 { return s.streamRevision }

// CommitSequence returns the sequence of the newest committed commit
// folded into this session.
func (s *OptimisticEventStream) CommitSequence() int64 { return s.commitSequence }

// CommittedEvents returns a read-only view of events whose revision falls
// in the session's load range.
func (s *OptimisticEventStream) CommittedEvents() *EventView {
	return &EventView{events: s.committedEvents}
}

// CommittedHeaders returns a read-only view of headers accumulated from
// folded commits.
func (s *OptimisticEventStream) CommittedHeaders() *HeaderView {
	return &HeaderView{headers: s.committedHeaders}
}

// UncommittedEvents returns a read-only view of caller-appended events not
// yet persisted.
func (s *OptimisticEventStream) UncommittedEvents() *EventView {
	return &EventView{events: s.uncommittedEvents}
}

// UncommittedHeaders returns the live, mutable map of headers to be merged
// on the next commit -- the one exposed collection spec §6 documents as
// read-write. Callers may set or delete keys directly on the returned map.
func (s *OptimisticEventStream) UncommittedHeaders() map[string]interface{} {
	return s.uncommittedHeaders
}

// Add appends event to the uncommitted buffer. No revision is assigned
// until a successful commit. Fails with *eventstore.NullArgumentError if
// event.Body is nil, and with *eventstore.DisposedError once the session
// has been disposed.
func (s *OptimisticEventStream) Add(event eventstore.EventMessage) error {
	if s.disposed {
		return &eventstore.DisposedError{BucketId: s.bucketId, StreamId: s.streamId}
	}
	if event.Body == nil {
		return &eventstore.NullArgumentError{Argument: "event.Body"}
	}
	s.uncommittedEvents = append(s.uncommittedEvents, event)
	return nil
}

// ClearChanges drops the uncommitted buffer and uncommitted headers
// without contacting the store.
func (s *OptimisticEventStream) ClearChanges() {
	s.uncommittedEvents = nil
	s.uncommittedHeaders = map[string]interface{}{}
}

// Dispose marks the session terminal. Any subsequent effectful operation
// (Add, CommitChanges) fails with *eventstore.DisposedError.
func (s *OptimisticEventStream) Dispose() {
	s.disposed = true
}

// CommitChanges persists the uncommitted buffer as one commit identified
// by commitId. See SPEC_FULL.md §4.2 "Commit algorithm" for the full
// state-machine description; this implementation follows it step by step.
func (s *OptimisticEventStream) CommitChanges(ctx context.Context, commitId string) error {
	if s.disposed {
		return &eventstore.DisposedError{BucketId: s.bucketId, StreamId: s.streamId}
	}
	if _, seen := s.seenCommitIds[commitId]; seen {
		s.metrics.Commit(metrics.ResultDuplicate)
		return &eventstore.DuplicateCommitError{BucketId: s.bucketId, StreamId: s.streamId, CommitId: commitId}
	}
	if len(s.uncommittedEvents) == 0 {
		s.metrics.Commit(metrics.ResultNoop)
		return nil
	}

	var attempt = eventstore.CommitAttempt{
		BucketId:       s.bucketId,
		StreamId:       s.streamId,
		CommitId:       commitId,
		CommitSequence: s.commitSequence + 1,
		StreamRevision: s.streamRevision + int64(len(s.uncommittedEvents)),
		CommitStamp:    s.clock.Now(),
		Headers:        cloneHeaders(s.uncommittedHeaders),
		Events:         append([]eventstore.EventMessage(nil), s.uncommittedEvents...),
	}

	var log = ops.Commit(s.logger.Stream(s.bucketId, s.streamId), commitId, attempt.CommitSequence)

	commit, err := s.store.Commit(ctx, attempt)
	if err != nil {
		var conflict *eventstore.ConcurrencyError
		if errors.As(err, &conflict) {
			log.WithError(err).Warn("commit conflicted, reconciling")
			s.metrics.Commit(metrics.ResultConflict)

			var reconcileFrom = s.streamRevision + 1
			commits, getErr := s.store.GetFrom(ctx, s.bucketId, s.streamId, reconcileFrom, eventstore.MaxRevision)
			if getErr != nil {
				log.WithError(getErr).Error("failed to reconcile after conflict")
				return getErr
			}
			if foldErr := s.fold(commits, reconcileFrom, eventstore.MaxRevision, metrics.ReasonReconcile); foldErr != nil {
				return foldErr
			}
			// The uncommitted buffer is left intact; commitId was never
			// added to seenCommitIds on this failed attempt, so duplicate
			// suppression remains correct on retry.
			return err
		}

		var dup *eventstore.DuplicateCommitError
		if errors.As(err, &dup) {
			log.WithError(err).Warn("store reported duplicate commit")
			s.metrics.Commit(metrics.ResultDuplicate)
			return err
		}

		log.WithError(err).Error("commit failed")
		s.metrics.Commit(metrics.ResultStorageError)
		return err
	}

	if foldErr := s.fold([]eventstore.Commit{commit}, s.streamRevision+1, attempt.StreamRevision, metrics.ReasonCommit); foldErr != nil {
		return foldErr
	}
	s.ClearChanges()
	s.metrics.Commit(metrics.ResultCommitted)
	log.Debug("committed")
	return nil
}

// fold replays commits (already ordered by CommitSequence ascending) into
// the session's committed view and bookkeeping, following SPEC_FULL.md
// §4.2 "Fold algorithm" exactly. minRev/maxRev bound which folded events
// are kept in committedEvents; they are not necessarily the session's
// original load-range bounds -- callers pass whatever range matches the
// GetFrom call that produced commits.
func (s *OptimisticEventStream) fold(commits []eventstore.Commit, minRev, maxRev int64, reason string) error {
	var start = time.Now()
	defer func() { s.metrics.Fold(reason, time.Since(start)) }()

	for _, c := range commits {
		s.seenCommitIds[c.CommitId] = struct{}{}
		s.commitSequence = c.CommitSequence

		var first = c.StreamRevision - int64(len(c.Events)) + 1
		if first > maxRev {
			break
		}

		merged, err := eventstore.MergeHeaders(s.committedHeaders, c.Headers)
		if err != nil {
			return err
		}
		s.committedHeaders = merged

		var cur = first
		for _, ev := range c.Events {
			if cur > maxRev {
				break
			}
			if cur >= minRev {
				s.committedEvents = append(s.committedEvents, ev)
				s.streamRevision = cur
			}
			cur++
		}
	}
	return nil
}

func cloneHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return map[string]interface{}{}
	}
	var out = make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
