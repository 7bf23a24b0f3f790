// Command streamstorectl is a small operator CLI over any eventstore
// back-end (SPEC_FULL.md §4.12), in the shape of the corpus's own
// flags.NewParser-plus-AddCommand subcommand tree (go/flowctl/main.go)
// simplified down to this engine's scope: no broker/shard commands, just
// append/read/tail against a chosen CommitStore.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.AddCommand("append", "Append an event to a stream", "", &appendCmd{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("read", "Read commits from a stream", "", &readCmd{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("tail", "List undispatched commits in a bucket", "", &tailCmd{}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
