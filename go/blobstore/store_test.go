package blobstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/eventstore"
)

// The conformance suite (go/eventstoretest) needs a live or faked GCS
// client; the teacher itself never exercises its own GCS-touching code
// (go/flow/builds.go) against a live bucket in tests either, sticking to
// pure-logic assertions and local file:// URLs instead (go/flow/builds_test.go).
// This file follows that same restraint: it covers the framing and naming
// logic that doesn't require a *storage.Client.

func TestEncodeFrameRoundTrips(t *testing.T) {
	var record = commitRecord{
		CommitId:       "c1",
		CommitSequence: 3,
		StreamRevision: 7,
		CommitStamp:    "2024-01-01T00:00:00Z",
		Headers:        map[string]interface{}{"k": "v"},
		Events:         []eventstore.EventMessage{{Body: []byte("hi")}},
	}

	frame, err := encodeFrame(record)
	require.NoError(t, err)

	var length uint32
	var buf = bytes.NewReader(frame)
	require.NoError(t, binary.Read(buf, binary.BigEndian, &length))
	require.EqualValues(t, buf.Len(), length)

	var decoded commitRecord
	require.NoError(t, json.NewDecoder(buf).Decode(&decoded))
	require.Equal(t, record, decoded)
}

func TestObjectAndSnapshotNamesAreBucketScoped(t *testing.T) {
	var s = &Store{bucketName: "irrelevant"}

	require.Equal(t, "b1/s1/commits.log", s.objectName("b1", "s1"))
	require.Equal(t, "b2/s1/commits.log", s.objectName("b2", "s1"))
	require.NotEqual(t, s.objectName("b1", "s1"), s.objectName("b2", "s1"))

	require.Equal(t, "b1/s1/snapshots/00000000000000000042.json", s.snapshotName("b1", "s1", 42))
}

func TestCommitRecordToCommitCarriesFields(t *testing.T) {
	var record = commitRecord{
		CommitId:       "c9",
		CommitSequence: 5,
		StreamRevision: 11,
		CommitStamp:    "2024-06-01T12:00:00Z",
		Headers:        map[string]interface{}{"a": "1"},
		Events:         []eventstore.EventMessage{{Body: []byte("x")}},
		Checksum:       []byte{1, 2, 3},
		Dispatched:     true,
	}

	var commit = record.toCommit("b", "s", 9)
	require.Equal(t, "b", commit.BucketId)
	require.Equal(t, "s", commit.StreamId)
	require.Equal(t, "c9", commit.CommitId)
	require.Equal(t, int64(5), commit.CommitSequence)
	require.Equal(t, int64(11), commit.StreamRevision)
	require.True(t, commit.IsDispatched)
	require.Equal(t, "00000000000000000009", commit.CheckpointToken)
	require.False(t, commit.CommitStamp.IsZero())
}
