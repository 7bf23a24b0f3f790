package stream

import (
	"context"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/ops"
	"github.com/estuary/flow/go/ops/metrics"
)

// Factory produces sessions bound to a single eventstore.CommitStore,
// matching spec §6's "Factory — produces a session from one of: (bucket,
// stream), (bucket, stream, minRev, maxRev), or (snapshot, maxRev)."
type Factory struct {
	store   eventstore.CommitStore
	clock   eventstore.Clock
	logger  *ops.Logger
	metrics *metrics.Recorder
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the default eventstore.SystemClock, for deterministic
// tests (spec §9 "Clock globalism").
func WithClock(clock eventstore.Clock) Option {
	return func(f *Factory) { f.clock = clock }
}

// WithLogger attaches structured logging to every session the factory
// produces. Omitting it is equivalent to ops.Discard().
func WithLogger(logger *ops.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithMetrics attaches a metrics.Recorder to every session the factory
// produces. A nil Recorder (the default) is a valid no-op.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(f *Factory) { f.metrics = recorder }
}

// NewFactory returns a Factory bound to store.
func NewFactory(store eventstore.CommitStore, opts ...Option) *Factory {
	var f = &Factory{
		store:  store,
		clock:  eventstore.SystemClock{},
		logger: ops.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) newEmpty(bucketId, streamId string) *OptimisticEventStream {
	return &OptimisticEventStream{
		bucketId:           bucketId,
		streamId:           streamId,
		store:              f.store,
		clock:              f.clock,
		logger:             f.logger,
		metrics:            f.metrics,
		committedHeaders:   map[string]interface{}{},
		uncommittedHeaders: map[string]interface{}{},
		seenCommitIds:      map[string]struct{}{},
	}
}

// Fresh returns a new session with StreamRevision == 0 and CommitSequence
// == 0, performing no load against the store. Use this for a stream the
// caller knows is new.
func (f *Factory) Fresh(bucketId, streamId string) *OptimisticEventStream {
	return f.newEmpty(bucketId, streamId)
}

// Load eagerly reads commits of (bucketId, streamId) in [minRev, maxRev]
// from the store and folds them into a new session. If minRev > 0 and no
// commit was folded, it fails with *eventstore.StreamNotFoundError,
// distinguishing a missing range from a genuinely empty stream (which
// returns no commits only when minRev == 0).
func (f *Factory) Load(ctx context.Context, bucketId, streamId string, minRev, maxRev int64) (*OptimisticEventStream, error) {
	var s = f.newEmpty(bucketId, streamId)

	commits, err := f.store.GetFrom(ctx, bucketId, streamId, minRev, maxRev)
	if err != nil {
		return nil, err
	}
	if err := s.fold(commits, minRev, maxRev, metrics.ReasonLoad); err != nil {
		return nil, err
	}
	if minRev > 0 && len(commits) == 0 {
		return nil, &eventstore.StreamNotFoundError{BucketId: bucketId, StreamId: streamId, MinRevision: minRev}
	}
	return s, nil
}

// FromSnapshot returns a session resumed from snap: commits are loaded
// starting at snap.StreamRevision+1 up to maxRev, and StreamRevision is
// initialized to snap.StreamRevision plus however many events were folded
// above it -- which is exactly what fold() already computes, so it must
// not be set twice (spec §9 "Snapshot form").
func (f *Factory) FromSnapshot(ctx context.Context, snap eventstore.Snapshot, maxRev int64) (*OptimisticEventStream, error) {
	var s = f.newEmpty(snap.BucketId, snap.StreamId)
	s.streamRevision = snap.StreamRevision

	merged, err := eventstore.MergeHeaders(s.committedHeaders, snap.Headers)
	if err != nil {
		return nil, err
	}
	s.committedHeaders = merged

	var minRev = snap.StreamRevision + 1
	commits, err := f.store.GetFrom(ctx, snap.BucketId, snap.StreamId, minRev, maxRev)
	if err != nil {
		return nil, err
	}
	if err := s.fold(commits, minRev, maxRev, metrics.ReasonLoad); err != nil {
		return nil, err
	}
	return s, nil
}
