// Command medscribe is the clinical documentation assistant: an HTTP API for
// consultation transcription, record generation, entity matching and
// fact-checking, plus one-shot subcommands for the same operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "medscribe: %v\n", err)
		return 1
	}
	return 0
}
