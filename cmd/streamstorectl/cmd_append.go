package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/estuary/flow/go/eventstore"
)

type appendCmd struct {
	backendConfig
	Bucket   string `long:"bucket" required:"true"`
	Stream   string `long:"stream" required:"true"`
	CommitId string `long:"commit-id" required:"true"`
	Body     string `long:"body" required:"true" description:"Raw event body"`
}

var green = color.New(color.FgGreen).SprintFunc()

func (c *appendCmd) Execute(_ []string) error {
	var ctx = context.Background()
	store, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	commits, err := store.GetFrom(ctx, c.Bucket, c.Stream, 0, eventstore.MaxRevision)
	if err != nil {
		return err
	}
	var head int64
	var revision int64
	for _, commit := range commits {
		if commit.CommitSequence > head {
			head = commit.CommitSequence
		}
		revision = commit.StreamRevision
	}

	commit, err := store.Commit(ctx, eventstore.CommitAttempt{
		BucketId:       c.Bucket,
		StreamId:       c.Stream,
		CommitId:       c.CommitId,
		CommitSequence: head + 1,
		StreamRevision: revision + 1,
		CommitStamp:    time.Now().UTC(),
		Events:         []eventstore.EventMessage{{Body: []byte(c.Body)}},
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s commit %s sequence=%d revision=%d\n",
		green("appended"), commit.CommitId, commit.CommitSequence, commit.StreamRevision)
	return nil
}
