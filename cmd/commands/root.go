package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "piteams",
		Usage:   "Filesystem-coordinated multi-agent team orchestrator",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root-dir",
				Usage: "Teams root directory",
				Value: teamfs.Root(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool("debug") {
				level = slog.LevelDebug
			}
			slog.SetLogLoggerLevel(level)
			if v := cmd.String("root-dir"); v != "" {
				os.Setenv(teamfs.RootEnvVar, v)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewWorkerCommand(),
			NewDemoCommand(),
			NewEchoAgentCommand(),
		},
	}
}
