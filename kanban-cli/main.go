package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hiviexd/kanban-board/kanban-cli/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Errors are printed by the commands with color formatting.
	if err := commands.NewRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
