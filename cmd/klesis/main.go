// Command klesis is a peer-to-peer text chat client that carries messages
// over sound between nearby machines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "klesis: %v\n", err)
		return 1
	}
	return 0
}
