package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hiviexd/kanban-board/client"
	"github.com/Hiviexd/kanban-board/domain"
)

func newMoveTaskCmd(o *options) *cobra.Command {
	var (
		column   string
		position int
	)
	cmd := &cobra.Command{
		Use:   "move-task <task-id>",
		Short: "Move a task to a position in a column",
		Long: `Move a task. Positions are zero based and clamped to the column, so a
large --position appends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if column == "" {
				return o.fail("no target column", "Pass --to with the destination column id.", nil)
			}
			return o.move(cmd.Context(), func(ctx context.Context, b *client.Board) (domain.MoveResult, error) {
				return b.MoveTask(ctx, args[0], column, position)
			})
		},
	}
	cmd.Flags().StringVar(&column, "to", "", "destination column id")
	cmd.Flags().IntVarP(&position, "position", "p", 0, "position in the destination column")
	return cmd
}

func newMoveColumnCmd(o *options) *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "move-column <column-id>",
		Short: "Move a column to a position on its board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.move(cmd.Context(), func(ctx context.Context, b *client.Board) (domain.MoveResult, error) {
				return b.MoveColumn(ctx, args[0], position)
			})
		},
	}
	cmd.Flags().IntVarP(&position, "position", "p", 0, "position on the board")
	return cmd
}

// move runs one move through the board's reconciler and waits until the
// server's event has confirmed it before printing the result.
func (o *options) move(ctx context.Context, do func(context.Context, *client.Board) (domain.MoveResult, error)) error {
	b, err := o.openBoard(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	res, err := do(callCtx, b)
	if err != nil {
		return o.explain(err)
	}
	if !res.Changed {
		fmt.Fprintln(o.out, "already in place")
		printBoard(o.out, b.Render())
		return nil
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !b.State().Converged() {
		select {
		case <-ticker.C:
		case <-callCtx.Done():
			return o.fail("no confirmation", "The move was applied but its event did not arrive in time.", nil)
		}
	}
	green.Fprintf(o.out, "moved %s from %d to %d\n", res.ItemID, res.OldPosition, res.NewPosition)
	printBoard(o.out, b.Render())
	return nil
}
