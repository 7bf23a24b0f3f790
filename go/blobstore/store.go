// Package blobstore is a Google Cloud Storage-backed eventstore.CommitStore
// (SPEC_FULL.md §4.8), grounded on go/flow/builds.go's lazily-initialized
// storage.Client and bucket.Object(path) access pattern for fetching catalog
// build databases. That call site only reads objects; the write path and
// its generation-conditioned optimistic concurrency are new here, built
// directly against the same cloud.google.com/go/storage package.
package blobstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/estuary/flow/go/eventstore"
)

// Store is a GCS-backed CommitStore. Each stream is one object,
// "{bucket}/{streamId}/commits.log", holding a length-prefixed sequence of
// JSON commit records. A commit is appended by re-writing the whole object
// under a storage.Conditions{GenerationMatch} guard, so a racing writer's
// overwrite fails atomically with a precondition error mapped to
// *eventstore.ConcurrencyError -- GCS has no partial-object append, so the
// object is the unit of optimistic concurrency rather than a single row.
type Store struct {
	client     *storage.Client
	bucketName string
}

// New wraps an already-authenticated client for objects under bucketName.
func New(client *storage.Client, bucketName string) *Store {
	return &Store{client: client, bucketName: bucketName}
}

var _ eventstore.CommitStore = (*Store)(nil)

func (s *Store) objectName(bucketId, streamId string) string {
	return fmt.Sprintf("%s/%s/commits.log", bucketId, streamId)
}

func (s *Store) snapshotName(bucketId, streamId string, streamRevision int64) string {
	return fmt.Sprintf("%s/%s/snapshots/%020d.json", bucketId, streamId, streamRevision)
}

type commitRecord struct {
	CommitId       string
	CommitSequence int64
	StreamRevision int64
	CommitStamp    string
	Headers        map[string]interface{}
	Events         []eventstore.EventMessage
	Checksum       []byte
	Dispatched     bool
}

// readLog reads and decodes every record currently in the stream's commit
// log object, along with the object's generation (for compare-and-swap on
// the next append). A missing object is not an error: it reads as an empty
// log at generation 0.
func (s *Store) readLog(ctx context.Context, bucketId, streamId string) ([]commitRecord, int64, error) {
	var obj = s.client.Bucket(s.bucketName).Object(s.objectName(bucketId, streamId))
	r, err := obj.NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, &eventstore.StorageError{Op: "blobstore.readLog", Cause: err}
	}
	defer r.Close()

	var body, readErr = io.ReadAll(r)
	if readErr != nil {
		return nil, 0, &eventstore.StorageError{Op: "blobstore.readLog.read", Cause: readErr}
	}

	var records []commitRecord
	var buf = bytes.NewReader(body)
	for buf.Len() > 0 {
		var length uint32
		if err := binary.Read(buf, binary.BigEndian, &length); err != nil {
			return nil, 0, &eventstore.StorageError{Op: "blobstore.readLog.length", Cause: err}
		}
		var frame = make([]byte, length)
		if _, err := io.ReadFull(buf, frame); err != nil {
			return nil, 0, &eventstore.StorageError{Op: "blobstore.readLog.frame", Cause: err}
		}
		var record commitRecord
		if err := json.Unmarshal(frame, &record); err != nil {
			return nil, 0, &eventstore.StorageError{Op: "blobstore.readLog.unmarshal", Cause: err}
		}
		records = append(records, record)
	}

	return records, r.Attrs.Generation, nil
}

func encodeFrame(record commitRecord) ([]byte, error) {
	var body, err = json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(len(body)))
	out.Write(body)
	return out.Bytes(), nil
}

func (r commitRecord) toCommit(bucketId, streamId string, checkpoint int64) eventstore.Commit {
	var stamp, _ = parseTime(r.CommitStamp)
	return eventstore.Commit{
		BucketId:        bucketId,
		StreamId:        streamId,
		CommitId:        r.CommitId,
		CommitSequence:  r.CommitSequence,
		StreamRevision:  r.StreamRevision,
		CommitStamp:     stamp,
		Headers:         r.Headers,
		Events:          r.Events,
		Checksum:        r.Checksum,
		CheckpointToken: fmt.Sprintf("%020d", checkpoint),
		IsDispatched:    r.Dispatched,
	}
}

// GetFrom implements eventstore.CommitStore.
func (s *Store) GetFrom(ctx context.Context, bucketId, streamId string, minRevision, maxRevision int64) ([]eventstore.Commit, error) {
	records, _, err := s.readLog(ctx, bucketId, streamId)
	if err != nil {
		return nil, err
	}

	var out = make([]eventstore.Commit, 0, len(records))
	for i, r := range records {
		var first = r.StreamRevision - int64(len(r.Events)) + 1
		if r.StreamRevision < minRevision || first > maxRevision {
			continue
		}
		out = append(out, r.toCommit(bucketId, streamId, int64(i+1)))
	}
	return out, nil
}

// Commit implements eventstore.CommitStore.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	records, generation, err := s.readLog(ctx, attempt.BucketId, attempt.StreamId)
	if err != nil {
		return eventstore.Commit{}, err
	}

	var expected = int64(len(records) + 1)
	if attempt.CommitSequence != expected {
		return eventstore.Commit{}, &eventstore.ConcurrencyError{
			BucketId: attempt.BucketId, StreamId: attempt.StreamId,
			AttemptedSequence: attempt.CommitSequence, ExpectedSequence: expected,
		}
	}
	for _, r := range records {
		if r.CommitId == attempt.CommitId {
			return eventstore.Commit{}, &eventstore.DuplicateCommitError{
				BucketId: attempt.BucketId, StreamId: attempt.StreamId, CommitId: attempt.CommitId,
			}
		}
	}

	checksum, err := eventstore.Checksum(attempt)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.checksum", Cause: err}
	}

	var record = commitRecord{
		CommitId:       attempt.CommitId,
		CommitSequence: attempt.CommitSequence,
		StreamRevision: attempt.StreamRevision,
		CommitStamp:    attempt.CommitStamp.UTC().Format(timeLayout),
		Headers:        attempt.Headers,
		Events:         attempt.Events,
		Checksum:       checksum,
	}
	frame, err := encodeFrame(record)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.encode", Cause: err}
	}

	var obj = s.client.Bucket(s.bucketName).Object(s.objectName(attempt.BucketId, attempt.StreamId))
	if generation == 0 {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(storage.Conditions{GenerationMatch: generation})
	}

	w := obj.NewWriter(ctx)
	for _, r := range records {
		existing, encErr := encodeFrame(r)
		if encErr != nil {
			return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.reencode", Cause: encErr}
		}
		if _, err := w.Write(existing); err != nil {
			return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.rewrite", Cause: err}
		}
	}
	if _, err := w.Write(frame); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.append", Cause: err}
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return eventstore.Commit{}, &eventstore.ConcurrencyError{
				BucketId: attempt.BucketId, StreamId: attempt.StreamId,
				AttemptedSequence: attempt.CommitSequence, ExpectedSequence: expected,
			}
		}
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.close", Cause: err}
	}

	return record.toCommit(attempt.BucketId, attempt.StreamId, int64(len(records)+1)), nil
}

// isPreconditionFailed reports whether err is GCS's HTTP 412 response to a
// storage.Conditions{GenerationMatch}/{DoesNotExist} guard that no longer
// holds -- i.e. another writer raced this one -- as distinct from any other
// failure (network, auth, quota, context cancellation) that w.Close can
// also return and that must surface as a plain *eventstore.StorageError
// instead of being mistaken for a conflict.
func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// MarkDispatched implements eventstore.CommitStore.
func (s *Store) MarkDispatched(ctx context.Context, bucketId, streamId string, commitSequence int64) error {
	records, generation, err := s.readLog(ctx, bucketId, streamId)
	if err != nil {
		return err
	}
	var found = false
	for i := range records {
		if records[i].CommitSequence == commitSequence {
			records[i].Dispatched = true
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	return s.rewrite(ctx, bucketId, streamId, records, generation)
}

func (s *Store) rewrite(ctx context.Context, bucketId, streamId string, records []commitRecord, generation int64) error {
	var obj = s.client.Bucket(s.bucketName).Object(s.objectName(bucketId, streamId)).If(storage.Conditions{GenerationMatch: generation})
	w := obj.NewWriter(ctx)
	for _, r := range records {
		frame, err := encodeFrame(r)
		if err != nil {
			return &eventstore.StorageError{Op: "rewrite.encode", Cause: err}
		}
		if _, err := w.Write(frame); err != nil {
			return &eventstore.StorageError{Op: "rewrite.write", Cause: err}
		}
	}
	if err := w.Close(); err != nil {
		return &eventstore.StorageError{Op: "rewrite.close", Cause: err}
	}
	return nil
}

// GetUndispatched implements eventstore.CommitStore. It lists every stream
// object under bucketId and filters, since GCS has no secondary index.
func (s *Store) GetUndispatched(ctx context.Context, bucketId string) ([]eventstore.Commit, error) {
	var prefix = bucketId + "/"
	var it = s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []eventstore.Commit
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, &eventstore.StorageError{Op: "GetUndispatched.list", Cause: err}
		}
		if attrs.Prefix == "" {
			continue
		}
		var streamId = attrs.Prefix[len(prefix) : len(attrs.Prefix)-1]

		commits, err := s.GetFrom(ctx, bucketId, streamId, 0, eventstore.MaxRevision)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			if !c.IsDispatched {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// GetSnapshot implements eventstore.CommitStore.
func (s *Store) GetSnapshot(ctx context.Context, bucketId, streamId string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	var it = s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: fmt.Sprintf("%s/%s/snapshots/", bucketId, streamId)})
	var best eventstore.Snapshot
	var found bool
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot.list", Cause: err}
		}

		r, err := s.client.Bucket(s.bucketName).Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot.open", Cause: err}
		}
		body, readErr := io.ReadAll(r)
		r.Close()
		if readErr != nil {
			return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot.read", Cause: readErr}
		}

		var snap eventstore.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot.unmarshal", Cause: err}
		}
		if snap.StreamRevision <= maxRevision && (!found || snap.StreamRevision > best.StreamRevision) {
			snap.BucketId, snap.StreamId = bucketId, streamId
			best, found = snap, true
		}
	}
	return best, found, nil
}

// AddSnapshot implements eventstore.CommitStore.
func (s *Store) AddSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return &eventstore.StorageError{Op: "AddSnapshot.marshal", Cause: err}
	}
	var obj = s.client.Bucket(s.bucketName).Object(s.snapshotName(snap.BucketId, snap.StreamId, snap.StreamRevision))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		return &eventstore.StorageError{Op: "AddSnapshot.write", Cause: err}
	}
	if err := w.Close(); err != nil {
		return &eventstore.StorageError{Op: "AddSnapshot.close", Cause: err}
	}
	return nil
}

// DeleteStream implements eventstore.CommitStore.
func (s *Store) DeleteStream(ctx context.Context, bucketId, streamId string) error {
	return s.deletePrefix(ctx, fmt.Sprintf("%s/%s/", bucketId, streamId))
}

// Purge implements eventstore.CommitStore.
func (s *Store) Purge(ctx context.Context, bucketId string) error {
	return s.deletePrefix(ctx, bucketId+"/")
}

// Drop implements eventstore.CommitStore.
func (s *Store) Drop(ctx context.Context) error {
	return s.deletePrefix(ctx, "")
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	var it = s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return &eventstore.StorageError{Op: "deletePrefix.list", Cause: err}
		}
		if err := s.client.Bucket(s.bucketName).Object(attrs.Name).Delete(ctx); err != nil {
			return &eventstore.StorageError{Op: "deletePrefix.delete", Cause: err}
		}
	}
	return nil
}
