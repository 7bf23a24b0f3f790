package eventstore

import "fmt"

// NullArgumentError is returned when a caller passes a nil or otherwise
// empty required argument, e.g. add(nil) or add(event-with-nil-body).
type NullArgumentError struct {
	Argument string
}

func (e *NullArgumentError) Error() string {
	return fmt.Sprintf("argument %q must not be nil", e.Argument)
}

// DisposedError is returned by any effectful operation invoked on a session
// after it has been disposed.
type DisposedError struct {
	BucketId, StreamId string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("stream %s/%s has been disposed", e.BucketId, e.StreamId)
}

// StreamNotFoundError is raised by a load-range construction when minRev > 0
// and no commit was folded, distinguishing "stream truly empty" (minRev==0,
// no commits) from "caller asked for a revision range that doesn't exist".
type StreamNotFoundError struct {
	BucketId, StreamId string
	MinRevision        int64
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %s/%s not found at or above revision %d", e.BucketId, e.StreamId, e.MinRevision)
}

// DuplicateCommitError is returned when a commitId has already been
// recorded for a stream, whether detected locally via the session's
// seenCommitIds or by the store itself.
type DuplicateCommitError struct {
	BucketId, StreamId, CommitId string
}

func (e *DuplicateCommitError) Error() string {
	return fmt.Sprintf("commit %q already exists for stream %s/%s", e.CommitId, e.BucketId, e.StreamId)
}

// ConcurrencyError is returned when an attempt's CommitSequence is not
// exactly one greater than the store's durable head for the stream.
type ConcurrencyError struct {
	BucketId, StreamId string
	AttemptedSequence  int64
	ExpectedSequence   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on stream %s/%s: attempted commit sequence %d, expected %d",
		e.BucketId, e.StreamId, e.AttemptedSequence, e.ExpectedSequence,
	)
}

// StorageError wraps an unrecoverable I/O failure from a CommitStore
// back-end, including cooperative cancellation. Cause is always non-nil.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ChecksumMismatchError is a StorageError subkind surfaced by a back-end
// that verifies a Commit's Checksum on read and finds corruption. The
// session treats it exactly like any other StorageError.
type ChecksumMismatchError struct {
	BucketId, StreamId string
	CommitSequence     int64
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf(
		"checksum mismatch for stream %s/%s at commit sequence %d",
		e.BucketId, e.StreamId, e.CommitSequence,
	)
}

// UnsupportedOperationError is returned when a caller attempts to mutate a
// read-only view collection (committedEvents or uncommittedEvents).
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s is not supported on a read-only view", e.Operation)
}
