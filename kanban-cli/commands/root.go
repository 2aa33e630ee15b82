// Package commands implements the kanban command line client.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Hiviexd/kanban-board/client"
	"github.com/Hiviexd/kanban-board/domain"
)

type options struct {
	server  string
	token   string
	board   string
	sse     bool
	verbose bool
	timeout time.Duration

	out io.Writer
	err io.Writer
}

// NewRootCmd builds the kanban command tree writing to out and errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	o := &options{out: out, err: errOut}
	root := &cobra.Command{
		Use:   "kanban",
		Short: "Watch and rearrange collaborative kanban boards",
		Long: `kanban talks to board-api. It keeps a live copy of a board over
WebSocket, falling back to server-sent events when WebSocket is unavailable,
and applies moves optimistically until the server confirms them.

Examples:
  # Follow a board
  kanban watch --board b-123

  # Move a task to the top of another column
  kanban move-task t-42 --to c-done --position 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&o.server, "server", envOr("KANBAN_SERVER", "http://localhost:8080"), "board-api base URL")
	flags.StringVar(&o.token, "token", os.Getenv("KANBAN_TOKEN"), "bearer token")
	flags.StringVarP(&o.board, "board", "b", os.Getenv("KANBAN_BOARD"), "board id")
	flags.BoolVar(&o.sse, "sse", false, "use server-sent events instead of WebSocket")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log transport activity")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "how long to wait for the server")

	root.AddCommand(newWatchCmd(o), newMoveTaskCmd(o), newMoveColumnCmd(o), newTokenCmd(o))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) logger() *log.Logger {
	l := log.New()
	l.SetOutput(o.err)
	l.SetLevel(log.WarnLevel)
	if o.verbose {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

// openBoard connects to the selected board.
func (o *options) openBoard(ctx context.Context) (*client.Board, error) {
	if o.board == "" {
		return nil, o.fail("no board selected", "Pass --board or set KANBAN_BOARD.", nil)
	}
	openCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	b, err := client.OpenBoard(openCtx, client.New(o.server, o.token), client.SessionConfig{
		BaseURL:          o.server,
		Token:            o.token,
		BoardID:          o.board,
		DisableWebSocket: o.sse,
		Logger:           o.logger(),
	})
	if err != nil {
		return nil, o.explain(err)
	}
	return b, nil
}

// explain turns a server error into a colored message with a hint.
func (o *options) explain(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return o.fail("not signed in", err.Error(), []string{"Pass --token or set KANBAN_TOKEN."})
	case errors.Is(err, domain.ErrForbidden):
		return o.fail("access denied", err.Error(), []string{"Ask the board owner to add you as a member."})
	case errors.Is(err, domain.ErrNotFound):
		return o.fail("not found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return o.fail("board changed", err.Error(), []string{"Run `kanban watch` to see the current layout and retry."})
	case errors.Is(err, domain.ErrInvalidOperation):
		return o.fail("invalid move", err.Error(), nil)
	}
	return o.fail("request failed", err.Error(), nil)
}

func (o *options) fail(title, explanation string, hints []string) error {
	red.Fprintf(o.err, "%s\n", title)
	fmt.Fprintf(o.err, "%s\n", explanation)
	for _, h := range hints {
		fmt.Fprintf(o.err, "  %s\n", h)
	}
	return errors.New(title)
}
