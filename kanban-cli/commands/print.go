package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/Hiviexd/kanban-board/reconcile"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

// printBoard writes the board column by column. Items still waiting for
// server confirmation are shown in yellow with a trailing "*".
func printBoard(w io.Writer, r reconcile.Rendered) {
	if r.Deleted {
		red.Fprintf(w, "board %s was deleted\n", r.Board.ID)
		return
	}
	bold.Fprintf(w, "%s", r.Board.Title)
	fmt.Fprintf(w, " (%s)\n", r.Board.ID)
	if len(r.Viewers) > 0 {
		names := make([]string, 0, len(r.Viewers))
		for _, v := range r.Viewers {
			name := v.Name
			if name == "" {
				name = v.UserID
			}
			names = append(names, name)
		}
		cyan.Fprintf(w, "viewing: %s\n", strings.Join(names, ", "))
	}
	for _, c := range r.Columns {
		header := fmt.Sprintf("[%d] %s (%s)", c.Position, c.Title, c.ID)
		if c.Pending {
			yellow.Fprintf(w, "%s *\n", header)
		} else {
			green.Fprintf(w, "%s\n", header)
		}
		for _, t := range c.Tasks {
			line := fmt.Sprintf("  %d. %s (%s)", t.Position, t.Title, t.ID)
			if t.Pending {
				yellow.Fprintf(w, "%s *\n", line)
				continue
			}
			fmt.Fprintln(w, line)
		}
	}
}
