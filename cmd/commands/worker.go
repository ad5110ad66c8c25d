package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pi-teams/internal/childrpc"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
	"github.com/dohr-michael/pi-teams/internal/worker"
)

// NewWorkerCommand returns the worker subcommand: a standalone process
// that, once spawned by a leader (spec.md §6.4 env contract), polls its
// mailboxes and drives an embedded agent runtime.
func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the per-teammate poll loop (spawned by a leader, or standalone for testing)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "agent-cmd",
				Usage: "Argv of the embedded agent runtime (external collaborator, out of scope); defaults to the built-in echo stub",
			},
		},
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, ok := worker.FromEnv()
	if !ok {
		return fmt.Errorf("piteams worker: not spawned as a worker (set PI_TEAMS_WORKER=1, PI_TEAMS_TEAM_ID, PI_TEAMS_AGENT_NAME)")
	}

	logger := slog.Default().With("agent", cfg.AgentName, "team", cfg.TeamID)

	argv, err := agentRuntimeArgv(cmd.String("agent-cmd"))
	if err != nil {
		return err
	}

	host := childrpc.New(childrpc.Options{Argv: argv, Logger: logger})
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("piteams worker: start embedded agent runtime: %w", err)
	}

	w := worker.New(cfg, host, cfg.RootDir, logger)
	if err := w.SessionStart(ctx); err != nil {
		_ = host.Stop()
		return fmt.Errorf("piteams worker: session start: %w", err)
	}

	// The leader's own childrpc.Client drives this process's stdio
	// directly (set_session_name, and a bare process Stop); respond to
	// it so that side of the connection never blocks on a timeout.
	responder := newStdioResponder(logger)
	go responder.run(os.Stdin, os.Stdout)

	reason := "context done"
	select {
	case <-ctx.Done():
	case <-w.Done():
		reason = "poll loop exited"
	}

	w.SessionShutdown(context.Background(), reason)
	if err := host.Stop(); err != nil {
		logger.Warn("piteams worker: stop embedded agent runtime failed", "error", err)
	}
	return nil
}

// agentRuntimeArgv resolves the command line for the embedded agent
// runtime: spec.md §1 places this out of scope, specified only by the
// worker.AgentHost interface it must satisfy, so operators point
// --agent-cmd at a real one. Absent that flag, the built-in echo stub
// (piteams internal-echo-agent) keeps `piteams demo` runnable without
// one.
func agentRuntimeArgv(flag string) ([]string, error) {
	if flag != "" {
		return strings.Fields(flag), nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}
	return []string{self, "internal-echo-agent"}, nil
}

// stdioRequest/stdioResponse mirror childrpc's wire shapes (see
// internal/childrpc/client.go) for the outer leader<->worker-process
// control channel. The spawned worker process never drives a
// "prompt"/"abort" turn over this channel itself (that belongs to its
// own embedded agent runtime connection, a separate childrpc.Client); it
// only answers the leader's direct set_session_name/get_state calls.
type stdioRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type stdioResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type stdioResponder struct {
	log   *slog.Logger
	outMu sync.Mutex
}

func newStdioResponder(log *slog.Logger) *stdioResponder {
	return &stdioResponder{log: log}
}

func (r *stdioResponder) run(in *os.File, out *os.File) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req stdioRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			r.log.Warn("piteams worker: failed to parse control request", "error", err)
			continue
		}
		r.handle(req, out)
	}
}

func (r *stdioResponder) handle(req stdioRequest, out *os.File) {
	resp := stdioResponse{Type: "response", ID: req.ID, Command: req.Command, Success: true}

	switch req.Command {
	case "set_session_name":
		var args struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			resp.Success = false
			resp.Error = err.Error()
			break
		}
		r.log.Debug("piteams worker: set_session_name", "name", teamfs.Sanitize(args.Name))
	case "get_state":
		// No additional data payload: the leader only inspects this
		// process's aliveness, not a structured snapshot.
	case "prompt", "steer", "follow_up", "abort":
		// These belong to the embedded agent runtime's own connection;
		// acknowledged here only so a leader probing this channel never
		// blocks on its 60s call timeout.
	default:
		resp.Success = false
		resp.Error = fmt.Sprintf("unknown command %q", req.Command)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		r.log.Warn("piteams worker: marshal control response failed", "error", err)
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if _, err := out.Write(append(data, '\n')); err != nil {
		r.log.Warn("piteams worker: write control response failed", "error", err)
	}
}
