package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow a board live",
		Long: `Print the board, then reprint it whenever a collaborator changes it.
Stops on Ctrl-C or when the board is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := o.openBoard(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Fprintf(o.err, "connected over %s\n", b.Transport())

			for {
				select {
				case r := <-b.Updates():
					printBoard(o.out, r)
					fmt.Fprintln(o.out)
					if r.Deleted {
						return nil
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}
