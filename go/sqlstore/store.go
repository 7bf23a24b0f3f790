package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/ops"
)

// Store is a SQL-backed eventstore.CommitStore.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *ops.Logger
}

// New wraps db (already migrated by Open) as a Store. db.SetMaxOpenConns(1)
// is called so that SQLite's single-writer semantics give us the same
// whole-database mutual exclusion memstore gets from its per-stream mutex;
// commits across different streams simply queue, which is a stronger
// guarantee than spec §5 requires ("serializable per stream"), not a
// weaker one.
func New(db *sql.DB, cfg Config) *Store {
	db.SetMaxOpenConns(1)
	var logger = cfg.Logger
	if logger == nil {
		logger = ops.Discard()
	}
	return &Store{db: db, cfg: cfg, logger: logger}
}

var _ eventstore.CommitStore = (*Store)(nil)

// GetFrom implements eventstore.CommitStore.
func (s *Store) GetFrom(ctx context.Context, bucketId, streamId string, minRevision, maxRevision int64) ([]eventstore.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_id, commit_sequence, stream_revision, commit_stamp, headers, events, checksum, checkpoint, dispatched
		FROM commits
		WHERE bucket_id = ? AND stream_id = ? AND stream_revision >= ?
		ORDER BY commit_sequence ASC
	`, bucketId, streamId, minRevision)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "GetFrom", Cause: err}
	}
	defer rows.Close()

	var out = make([]eventstore.Commit, 0)
	for rows.Next() {
		var (
			commit      eventstore.Commit
			commitStamp time.Time
			headersBlob []byte
			eventsBlob  []byte
			checksum    []byte
			checkpoint  int64
			dispatched  int
		)
		if err := rows.Scan(&commit.CommitId, &commit.CommitSequence, &commit.StreamRevision,
			&commitStamp, &headersBlob, &eventsBlob, &checksum, &checkpoint, &dispatched); err != nil {
			return nil, &eventstore.StorageError{Op: "GetFrom.Scan", Cause: err}
		}
		if err := json.Unmarshal(eventsBlob, &commit.Events); err != nil {
			return nil, &eventstore.StorageError{Op: "GetFrom.unmarshalEvents", Cause: err}
		}

		var first = commit.StreamRevision - int64(len(commit.Events)) + 1
		if first > maxRevision {
			continue
		}

		commit.BucketId, commit.StreamId = bucketId, streamId
		commit.CommitStamp = commitStamp.UTC()
		if err := json.Unmarshal(headersBlob, &commit.Headers); err != nil {
			return nil, &eventstore.StorageError{Op: "GetFrom.unmarshalHeaders", Cause: err}
		}
		commit.Checksum = checksum
		commit.CheckpointToken = strconv.FormatInt(checkpoint, 10)
		commit.IsDispatched = dispatched != 0

		if len(checksum) != 0 {
			if ok, verifyErr := verifyChecksum(commit); verifyErr != nil {
				return nil, &eventstore.StorageError{Op: "GetFrom.verifyChecksum", Cause: verifyErr}
			} else if !ok {
				return nil, &eventstore.ChecksumMismatchError{BucketId: bucketId, StreamId: streamId, CommitSequence: commit.CommitSequence}
			}
		}

		out = append(out, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, &eventstore.StorageError{Op: "GetFrom.rows", Cause: err}
	}
	return out, nil
}

// Commit implements eventstore.CommitStore. It runs inside a SQL
// transaction: it reads MAX(commit_sequence) for the stream, compares it to
// the attempt's expected predecessor, and separately checks commit_id
// uniqueness, mapping either violation to ConcurrencyError or
// DuplicateCommitError before ever issuing the INSERT. If cfg.Fenced, a
// distributed Fence is checked first, guarding against a second process
// instance holding a stale lease.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	if s.cfg.Fenced {
		if err := s.cfg.Fence.Check(ctx, attempt.BucketId, attempt.StreamId); err != nil {
			return eventstore.Commit{}, err
		}
	}

	var log = ops.Commit(s.logger.Stream(attempt.BucketId, attempt.StreamId), attempt.CommitId, attempt.CommitSequence)

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.BeginTx", Cause: err}
	}
	defer txn.Rollback()

	var head int64
	if err := txn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(commit_sequence), 0) FROM commits WHERE bucket_id = ? AND stream_id = ?`,
		attempt.BucketId, attempt.StreamId,
	).Scan(&head); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.head", Cause: err}
	}
	if attempt.CommitSequence != head+1 {
		log.Warn("concurrency conflict")
		return eventstore.Commit{}, &eventstore.ConcurrencyError{
			BucketId: attempt.BucketId, StreamId: attempt.StreamId,
			AttemptedSequence: attempt.CommitSequence, ExpectedSequence: head + 1,
		}
	}

	var dupExists bool
	if err := txn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM commits WHERE bucket_id = ? AND stream_id = ? AND commit_id = ?)`,
		attempt.BucketId, attempt.StreamId, attempt.CommitId,
	).Scan(&dupExists); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.dupCheck", Cause: err}
	}
	if dupExists {
		log.Warn("duplicate commit id")
		return eventstore.Commit{}, &eventstore.DuplicateCommitError{
			BucketId: attempt.BucketId, StreamId: attempt.StreamId, CommitId: attempt.CommitId,
		}
	}

	headers, err := json.Marshal(nonNil(attempt.Headers))
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.marshalHeaders", Cause: err}
	}
	events, err := json.Marshal(attempt.Events)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.marshalEvents", Cause: err}
	}
	checksum, err := eventstore.Checksum(attempt)
	if err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.checksum", Cause: err}
	}

	var checkpoint int64
	if err := txn.QueryRowContext(ctx, `
		INSERT INTO checkpoints(name, value) VALUES ('global', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`).Scan(&checkpoint); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.checkpoint", Cause: err}
	}

	if _, err := txn.ExecContext(ctx, `
		INSERT INTO commits(bucket_id, stream_id, commit_id, commit_sequence, stream_revision, commit_stamp, headers, events, checksum, checkpoint, dispatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, attempt.BucketId, attempt.StreamId, attempt.CommitId, attempt.CommitSequence, attempt.StreamRevision,
		attempt.CommitStamp.UTC(), headers, events, checksum, checkpoint); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.insert", Cause: err}
	}

	if err := txn.Commit(); err != nil {
		return eventstore.Commit{}, &eventstore.StorageError{Op: "Commit.txnCommit", Cause: err}
	}

	log.Debug("committed")
	return eventstore.Commit{
		BucketId:        attempt.BucketId,
		StreamId:        attempt.StreamId,
		CommitId:        attempt.CommitId,
		CommitSequence:  attempt.CommitSequence,
		StreamRevision:  attempt.StreamRevision,
		CommitStamp:     attempt.CommitStamp,
		Headers:         attempt.Headers,
		Events:          attempt.Events,
		Checksum:        checksum,
		CheckpointToken: strconv.FormatInt(checkpoint, 10),
	}, nil
}

// MarkDispatched implements eventstore.CommitStore.
func (s *Store) MarkDispatched(ctx context.Context, bucketId, streamId string, commitSequence int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE commits SET dispatched = 1 WHERE bucket_id = ? AND stream_id = ? AND commit_sequence = ?`,
		bucketId, streamId, commitSequence,
	); err != nil {
		return &eventstore.StorageError{Op: "MarkDispatched", Cause: err}
	}
	return nil
}

// GetUndispatched implements eventstore.CommitStore.
func (s *Store) GetUndispatched(ctx context.Context, bucketId string) ([]eventstore.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, commit_id, commit_sequence, stream_revision, commit_stamp, headers, events, checksum, checkpoint
		FROM commits WHERE bucket_id = ? AND dispatched = 0 ORDER BY checkpoint ASC
	`, bucketId)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "GetUndispatched", Cause: err}
	}
	defer rows.Close()

	var out []eventstore.Commit
	for rows.Next() {
		var (
			commit      eventstore.Commit
			commitStamp time.Time
			headersBlob []byte
			eventsBlob  []byte
			checksum    []byte
			checkpoint  int64
		)
		if err := rows.Scan(&commit.StreamId, &commit.CommitId, &commit.CommitSequence, &commit.StreamRevision,
			&commitStamp, &headersBlob, &eventsBlob, &checksum, &checkpoint); err != nil {
			return nil, &eventstore.StorageError{Op: "GetUndispatched.Scan", Cause: err}
		}
		commit.BucketId = bucketId
		commit.CommitStamp = commitStamp.UTC()
		if err := json.Unmarshal(headersBlob, &commit.Headers); err != nil {
			return nil, &eventstore.StorageError{Op: "GetUndispatched.unmarshalHeaders", Cause: err}
		}
		if err := json.Unmarshal(eventsBlob, &commit.Events); err != nil {
			return nil, &eventstore.StorageError{Op: "GetUndispatched.unmarshalEvents", Cause: err}
		}
		commit.Checksum = checksum
		commit.CheckpointToken = strconv.FormatInt(checkpoint, 10)
		out = append(out, commit)
	}
	return out, rows.Err()
}

// GetSnapshot implements eventstore.CommitStore.
func (s *Store) GetSnapshot(ctx context.Context, bucketId, streamId string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	var snap = eventstore.Snapshot{BucketId: bucketId, StreamId: streamId}
	var headersBlob []byte
	var err = s.db.QueryRowContext(ctx, `
		SELECT stream_revision, body, headers FROM snapshots
		WHERE bucket_id = ? AND stream_id = ? AND stream_revision <= ?
		ORDER BY stream_revision DESC LIMIT 1
	`, bucketId, streamId, maxRevision).Scan(&snap.StreamRevision, &snap.Body, &headersBlob)
	if err == sql.ErrNoRows {
		return eventstore.Snapshot{}, false, nil
	} else if err != nil {
		return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot", Cause: err}
	}
	if err := json.Unmarshal(headersBlob, &snap.Headers); err != nil {
		return eventstore.Snapshot{}, false, &eventstore.StorageError{Op: "GetSnapshot.unmarshalHeaders", Cause: err}
	}
	return snap, true, nil
}

// AddSnapshot implements eventstore.CommitStore.
func (s *Store) AddSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	headers, err := json.Marshal(nonNil(snap.Headers))
	if err != nil {
		return &eventstore.StorageError{Op: "AddSnapshot.marshal", Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(bucket_id, stream_id, stream_revision, body, headers) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket_id, stream_id, stream_revision) DO UPDATE SET body = excluded.body, headers = excluded.headers
	`, snap.BucketId, snap.StreamId, snap.StreamRevision, snap.Body, headers); err != nil {
		return &eventstore.StorageError{Op: "AddSnapshot", Cause: err}
	}
	return nil
}

// DeleteStream implements eventstore.CommitStore.
func (s *Store) DeleteStream(ctx context.Context, bucketId, streamId string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commits WHERE bucket_id = ? AND stream_id = ?`, bucketId, streamId); err != nil {
		return &eventstore.StorageError{Op: "DeleteStream.commits", Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE bucket_id = ? AND stream_id = ?`, bucketId, streamId); err != nil {
		return &eventstore.StorageError{Op: "DeleteStream.snapshots", Cause: err}
	}
	return nil
}

// Purge implements eventstore.CommitStore.
func (s *Store) Purge(ctx context.Context, bucketId string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commits WHERE bucket_id = ?`, bucketId); err != nil {
		return &eventstore.StorageError{Op: "Purge.commits", Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE bucket_id = ?`, bucketId); err != nil {
		return &eventstore.StorageError{Op: "Purge.snapshots", Cause: err}
	}
	return nil
}

// Drop implements eventstore.CommitStore.
func (s *Store) Drop(ctx context.Context) error {
	for _, table := range []string{"commits", "snapshots", "checkpoints"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return &eventstore.StorageError{Op: "Drop " + table, Cause: err}
		}
	}
	return nil
}

// verifyChecksum recomputes the HighwayHash digest over a commit's stored
// identity fields and compares it against what was persisted, detecting
// corruption the UNIQUE constraints and JSON decode can't catch on their
// own (e.g. a byte flipped inside an events blob that still decodes).
func verifyChecksum(commit eventstore.Commit) (bool, error) {
	want, err := eventstore.Checksum(eventstore.CommitAttempt{
		BucketId:       commit.BucketId,
		StreamId:       commit.StreamId,
		CommitId:       commit.CommitId,
		CommitSequence: commit.CommitSequence,
		StreamRevision: commit.StreamRevision,
		CommitStamp:    commit.CommitStamp,
		Headers:        commit.Headers,
		Events:         commit.Events,
	})
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, commit.Checksum), nil
}

func nonNil(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return map[string]interface{}{}
	}
	return h
}
