package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/estuary/flow/go/eventstore"
)

type readCmd struct {
	backendConfig
	Bucket      string `long:"bucket" required:"true"`
	Stream      string `long:"stream" required:"true"`
	MinRevision int64  `long:"min-revision" default:"0"`
	MaxRevision int64  `long:"max-revision" default:"-1" description:"-1 means unbounded"`
}

var yellow = color.New(color.FgYellow).SprintFunc()

func (c *readCmd) Execute(_ []string) error {
	var ctx = context.Background()
	store, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var maxRevision = c.MaxRevision
	if maxRevision < 0 {
		maxRevision = eventstore.MaxRevision
	}

	commits, err := store.GetFrom(ctx, c.Bucket, c.Stream, c.MinRevision, maxRevision)
	if err != nil {
		return err
	}

	for _, commit := range commits {
		fmt.Printf("%s sequence=%d revision=%d events=%d\n",
			yellow(commit.CommitId), commit.CommitSequence, commit.StreamRevision, len(commit.Events))
		for _, event := range commit.Events {
			fmt.Printf("  %s\n", event.Body)
		}
	}
	return nil
}
