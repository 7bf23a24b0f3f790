package eventstore

import (
	"encoding/binary"

	"github.com/minio/highwayhash"
)

// checksumKey is a fixed, zero key for the HighwayHash-128 digest. Commits
// are not an adversarial integrity boundary (any back-end that can corrupt
// stored bytes can also corrupt this checksum); the digest exists purely
// to catch accidental bit-rot on read, so a well-known key is fine.
var checksumKey = make([]byte, 32)

// Checksum computes a HighwayHash-128 digest over an attempt's identity and
// payload: stream revision, commit sequence, and each event body in order.
// Back-ends that want corruption detection on read call this when persisting and
// store the result in Commit.Checksum; it is opaque to the session, which
// folds it through unexamined (spec §3 addition, see SPEC_FULL.md §3).
func Checksum(attempt CommitAttempt) ([]byte, error) {
	h, err := highwayhash.New128(checksumKey)
	if err != nil {
		return nil, err
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(attempt.StreamRevision))
	binary.BigEndian.PutUint64(buf[8:16], uint64(attempt.CommitSequence))
	h.Write(buf[:])

	for _, e := range attempt.Events {
		h.Write(e.Body)
	}
	return h.Sum(nil), nil
}
