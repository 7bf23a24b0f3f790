package eventstore

import "context"

// CommitStore is the abstract durable commit log a stream session is built
// against. Implementations must make commit() serializable per stream;
// see spec §5 for the full concurrency contract. Orthogonal capabilities
// (dispatch bookkeeping, snapshots, stream lifecycle) are part of the
// interface because real back-ends need somewhere to hang them, but the
// session (package stream) only ever calls GetFrom and Commit.
type CommitStore interface {
	// GetFrom returns all commits of (bucketId, streamId) ordered by
	// CommitSequence ascending whose stream-revision range intersects
	// [minRevision, maxRevision]. maxRevision may be math.MaxInt64 to mean
	// "unbounded". Returns an empty, non-nil slice if the stream has no
	// commits in range. Fails with *StorageError on unrecoverable I/O;
	// ctx cancellation is cooperative and also surfaces as *StorageError.
	GetFrom(ctx context.Context, bucketId, streamId string, minRevision, maxRevision int64) ([]Commit, error)

	// Commit appends attempt atomically and returns the persisted Commit
	// with any store-assigned fields populated. Required failure
	// signaling:
	//   - *DuplicateCommitError if attempt.CommitId already exists for the stream.
	//   - *ConcurrencyError if attempt.CommitSequence is not exactly one
	//     greater than the durable head CommitSequence for the stream.
	//   - *StorageError for any other transport/medium failure.
	Commit(ctx context.Context, attempt CommitAttempt) (Commit, error)

	// MarkDispatched flips the IsDispatched flag of the named commit.
	// Orthogonal to the session's contract.
	MarkDispatched(ctx context.Context, bucketId, streamId string, commitSequence int64) error

	// GetUndispatched returns commits across all streams in bucketId with
	// IsDispatched == false, in an implementation-defined order.
	GetUndispatched(ctx context.Context, bucketId string) ([]Commit, error)

	// GetSnapshot returns the most recent Snapshot at or below maxRevision,
	// or ok == false if none exists.
	GetSnapshot(ctx context.Context, bucketId, streamId string, maxRevision int64) (snap Snapshot, ok bool, err error)

	// AddSnapshot persists a new Snapshot, superseding none of the commits
	// it was compacted from.
	AddSnapshot(ctx context.Context, snap Snapshot) error

	// DeleteStream permanently removes a stream's commits and snapshots.
	DeleteStream(ctx context.Context, bucketId, streamId string) error

	// Purge removes all data for a bucket.
	Purge(ctx context.Context, bucketId string) error

	// Drop discards the entire store, including data across all buckets.
	// Intended for test teardown.
	Drop(ctx context.Context) error
}
