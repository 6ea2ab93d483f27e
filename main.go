// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/flagrunner/cmd"
	"github.com/xkilldash9x/flagrunner/internal/observability"
)

// main is the entry point for `go run .`; the full binary with the
// interactive shell lives in cmd/flagrunner.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
