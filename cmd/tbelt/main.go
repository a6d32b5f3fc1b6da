// Package main provides tbelt, a CLI over the filesystem coordination
// primitives in pkg/lock, pkg/portregistry, and pkg/snapshot: named locks,
// a shared ephemeral port registry, and content snapshots for tests and
// scripts that need a shared, crash-safe notion of state on disk.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/tuulbelt/coordcore/internal/cli"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ(), sigCh)

	os.Exit(exitCode)
}
