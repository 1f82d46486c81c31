package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swarmcore/internal/board"
	"swarmcore/internal/config"
)

func newStatusCommand() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect the task board on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cfg, taskID)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "print a single task's full detail instead of the board summary")
	return cmd
}

func runStatus(ctx context.Context, cfg *config.Config, taskID string) error {
	layout := newCoreLayout(cfg)
	b := board.NewDefault(layout.boardPath())
	if err := b.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("board schema: %w", err)
	}

	if taskID != "" {
		t, err := b.Get(ctx, taskID)
		if err != nil {
			return err
		}
		printTaskDetail(t)
		return nil
	}

	tasks, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}
	printTaskTable(tasks)
	return nil
}

func printTaskTable(tasks []*board.Task) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tSTATUS\tROLE\tAGENT\tCOMPLEXITY\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, statusColor(t.Status).Sprint(string(t.Status)), t.RequiredRole, orDash(t.AgentID), t.Complexity, truncate(t.Description, 60))
	}
}

func printTaskDetail(t *board.Task) {
	fmt.Printf("id:           %s\n", t.ID)
	fmt.Printf("status:       %s\n", statusColor(t.Status).Sprint(string(t.Status)))
	fmt.Printf("role:         %s\n", t.RequiredRole)
	fmt.Printf("agent:        %s\n", orDash(t.AgentID))
	fmt.Printf("complexity:   %s\n", t.Complexity)
	fmt.Printf("parent:       %s\n", orDash(t.ParentID))
	fmt.Printf("description:  %s\n", t.Description)
	if t.Result != "" {
		fmt.Printf("result:       %s\n", t.Result)
	}
	if t.Critique != nil {
		fmt.Printf("critique:     round %d, verdict %s\n", t.CritiqueRound, t.Critique.Verdict)
	}
}

func statusColor(s board.Status) *color.Color {
	switch s {
	case board.StatusCompleted:
		return color.New(color.FgGreen)
	case board.StatusFailed, board.StatusCancelled:
		return color.New(color.FgRed)
	case board.StatusReview, board.StatusCritique, board.StatusSynthesizing:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
