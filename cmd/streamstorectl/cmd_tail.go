package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
)

type tailCmd struct {
	backendConfig
	Bucket string `long:"bucket" required:"true"`
	Mark   bool   `long:"mark" description:"Mark each listed commit dispatched after printing it"`
}

var red = color.New(color.FgRed).SprintFunc()

func (c *tailCmd) Execute(_ []string) error {
	var ctx = context.Background()
	store, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	commits, err := store.GetUndispatched(ctx, c.Bucket)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Println(red("no undispatched commits"))
		return nil
	}

	for _, commit := range commits {
		fmt.Printf("%s/%s sequence=%d\n", commit.BucketId, commit.StreamId, commit.CommitSequence)
		if c.Mark {
			if err := store.MarkDispatched(ctx, commit.BucketId, commit.StreamId, commit.CommitSequence); err != nil {
				return err
			}
		}
	}
	return nil
}
