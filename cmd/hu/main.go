package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	hucmd "github.com/saiden-dev/hu-sub000/pkg/hu/cmd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, hucmd.DefaultConfig(), args, os.Stderr)
}

func execute(ctx context.Context, cfg hucmd.Config, args []string, stderr io.Writer) int {
	if err := hucmd.Execute(ctx, cfg, args); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
