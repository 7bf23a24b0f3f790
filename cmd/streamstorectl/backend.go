package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/estuary/flow/go/blobstore"
	"github.com/estuary/flow/go/eventstore"
	"github.com/estuary/flow/go/rocksstore"
	"github.com/estuary/flow/go/sqlstore"
)

// backendConfig is embedded by every subcommand to select and open a
// CommitStore without duplicating the flag set three times.
type backendConfig struct {
	Backend string `long:"backend" choice:"sqlite" choice:"rocksdb" choice:"gcs" default:"sqlite" description:"Back-end to open"`
	Path    string `long:"path" default:"streamstore.db" description:"SQLite file path, RocksDB directory, or GCS bucket name"`
}

func (c backendConfig) open(ctx context.Context) (eventstore.CommitStore, func(), error) {
	switch c.Backend {
	case "sqlite":
		db, err := sqlstore.Open(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(db, sqlstore.Config{}), func() { db.Close() }, nil

	case "rocksdb":
		store, err := rocksstore.Open(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("creating storage client: %w", err)
		}
		return blobstore.New(client, c.Path), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}
