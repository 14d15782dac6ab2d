// Command pixelnorm normalizes images on disk and queues stored assets for
// the worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	rootCmd.SetContext(ctx)
	code := execute()
	stop()
	os.Exit(code)
}
