// Command dedupvault runs the deduplicating backup CLI: local
// datastore backup/restore/prune/garbage-collect, plus tape backup/restore
// and changer/drive operation.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"log/slog"
	"os"

	"dedupvault/cmd/dedupvault/cli"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEDUPVAULT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	root := cli.NewRootCommand(logger)
	root.Version = version
	os.Exit(cli.Execute(root))
}
