package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pi-teams/internal/leader"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// NewDemoCommand returns the demo subcommand: it spawns a small local
// team (a leader plus N workers, each its own `piteams worker` process
// driving the built-in echo stub), delegates a handful of tasks across
// them round-robin, and prints status until interrupted.
func NewDemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Spawn a small local team leader and exercise it end to end",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "team-id", Value: "demo", Usage: "Team id"},
			&cli.IntFlag{Name: "teammates", Value: 2, Usage: "Number of workers to spawn"},
			&cli.StringSliceFlag{Name: "task", Usage: "A task description to delegate (repeatable)"},
		},
		Action: runDemo,
	}
}

func runDemo(ctx context.Context, cmd *cli.Command) error {
	logger := slog.Default().With("team", cmd.String("team-id"))

	l := leader.New(leader.Config{
		TeamID:   cmd.String("team-id"),
		LeadName: "team-lead",
		RootDir:  teamfs.Root(),
		Logger:   logger,
	})
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("piteams demo: start leader: %w", err)
	}
	defer l.Stop()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("piteams demo: resolve self executable: %w", err)
	}
	argv := []string{self, "worker"}

	n := int(cmd.Int("teammates"))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("agent%d", i+1)
		if _, err := l.SpawnTeammate(ctx, name, argv, leader.SpawnOptions{}, nil); err != nil {
			return fmt.Errorf("piteams demo: spawn %s: %w", name, err)
		}
	}

	items := demoTaskItems(cmd.StringSlice("task"))
	assignments, err := l.Delegate(ctx, items, argv, nil)
	if err != nil {
		return fmt.Errorf("piteams demo: delegate: %w", err)
	}
	printAssignments(assignments)

	fmt.Println("\nTeam running. Ctrl+C to shut down.")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down team...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := l.Shutdown(shutdownCtx); err != nil {
				logger.Warn("piteams demo: shutdown failed", "error", err)
			}
			return nil
		case <-ticker.C:
			printTeammates(l)
		}
	}
}

func demoTaskItems(flagTasks []string) []leader.DelegateItem {
	if len(flagTasks) == 0 {
		flagTasks = []string{
			"Write unit tests for the mailbox package",
			"Document the task dependency model",
			"Review the filelock contention test",
		}
	}
	items := make([]leader.DelegateItem, 0, len(flagTasks))
	for _, t := range flagTasks {
		items = append(items, leader.DelegateItem{Text: strings.TrimSpace(t)})
	}
	return items
}

func printAssignments(assignments []leader.DelegateAssignment) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tASSIGNEE\tWARNING")
	for _, a := range assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.TaskID, a.Assignee, a.Warning)
	}
	w.Flush()
}

func printTeammates(l *leader.Leader) {
	fmt.Printf("teammates: %s\n", strings.Join(l.Teammates(), ", "))
}
