// Package eventstore defines the value types and the CommitStore contract
// that a stream session (see package stream) is built against. Nothing in
// this package performs I/O; it is the shared vocabulary between sessions
// and the back-ends that durably persist their commits.
package eventstore

import (
	"math"
	"time"
)

// MaxRevision is the sentinel used in place of spec's "+∞" upper bound,
// e.g. for an open-ended range load or for the GetFrom call a session
// issues while reconciling after a ConcurrencyError.
const MaxRevision = int64(math.MaxInt64)

// EventMessage is a single fact appended to a stream. Body is opaque to the
// engine and must be non-nil; Headers is optional and carried unexamined.
type EventMessage struct {
	Body    []byte
	Headers map[string]interface{}
}

// Commit is an atomic, durably-persisted group of events for one stream.
// See spec §3 for the field invariants (gapless CommitSequence and
// StreamRevision, unique CommitId per stream).
type Commit struct {
	BucketId       string
	StreamId       string
	CommitId       string
	CommitSequence int64
	StreamRevision int64
	CommitStamp    time.Time
	Headers        map[string]interface{}
	Events         []EventMessage

	// Checksum is an optional HighwayHash-128 digest a back-end may compute
	// over the commit's revision, sequence and event bodies to detect
	// bit-rot on read. Folded through by sessions unexamined; nil is valid.
	Checksum []byte

	// CheckpointToken is an opaque, store-assigned cursor. memstore and
	// sqlstore assign a store-wide monotonic counter; rocksstore and
	// blobstore derive it from the commit's position within its stream, so
	// there it orders commits within a stream only.
	CheckpointToken string

	// IsDispatched is owned by the store and flipped by external dispatch
	// machinery outside this engine's scope.
	IsDispatched bool
}

// CommitAttempt is the pre-durability intent a session submits to a
// CommitStore. It has the same shape as Commit minus the two store-assigned
// fields (CheckpointToken, IsDispatched) and the optional Checksum, which a
// back-end computes itself if it wants one.
type CommitAttempt struct {
	BucketId       string
	StreamId       string
	CommitId       string
	CommitSequence int64
	StreamRevision int64
	CommitStamp    time.Time
	Headers        map[string]interface{}
	Events         []EventMessage
}

// Snapshot is a compacted checkpoint of a stream as of some StreamRevision,
// from which a session can resume without replaying the whole commit
// history. Snapshot compaction policy itself is out of this engine's scope
// (spec §1); this type only describes the resume point.
type Snapshot struct {
	BucketId       string
	StreamId       string
	StreamRevision int64
	Body           []byte
	Headers        map[string]interface{}
}
