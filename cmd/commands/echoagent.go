package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
)

// NewEchoAgentCommand returns the hidden internal-echo-agent subcommand:
// a minimal stand-in for the embedded agent runtime (spec.md §1 places
// the real one out of scope, specified only by the worker.AgentHost
// interface it must satisfy). `piteams worker` spawns it by default so
// `piteams demo` is runnable without a real agent binary configured.
func NewEchoAgentCommand() *cli.Command {
	return &cli.Command{
		Name:   "internal-echo-agent",
		Hidden: true,
		Usage:  "Built-in stub agent runtime speaking the childrpc protocol on stdio",
		Action: func(_ context.Context, _ *cli.Command) error {
			runEchoAgent(os.Stdin, os.Stdout)
			return nil
		},
	}
}

// echoChunkDelay paces the stub's message_update events so a real
// worker poll tick (350ms, internal/worker.pollPeriod) observes a
// streaming turn rather than an instantaneous one.
const echoChunkDelay = 120 * time.Millisecond

type echoAgentRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

func runEchoAgent(in *os.File, out *os.File) {
	var outMu sync.Mutex
	write := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		out.Write(append(data, '\n'))
	}

	var mu sync.Mutex
	var abortCh chan struct{}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req echoAgentRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}

		switch req.Command {
		case "prompt":
			var args struct {
				Prompt string `json:"prompt"`
			}
			json.Unmarshal(req.Args, &args)

			ch := make(chan struct{})
			mu.Lock()
			abortCh = ch
			mu.Unlock()

			write(map[string]any{"type": "response", "id": req.ID, "command": req.Command, "success": true})
			go runEchoTurn(write, ch, args.Prompt)

		case "abort":
			mu.Lock()
			ch := abortCh
			mu.Unlock()
			if ch != nil {
				select {
				case <-ch:
				default:
					close(ch)
				}
			}
			write(map[string]any{"type": "response", "id": req.ID, "command": req.Command, "success": true})

		default:
			write(map[string]any{"type": "response", "id": req.ID, "command": req.Command, "success": true})
		}
	}
}

// runEchoTurn emits an agent_start, a handful of message_update chunks
// acknowledging the prompt, then agent_end — or, if abortCh closes
// first, an immediate agent_end with no text, mirroring the abort
// semantics internal/worker expects (an empty final text marks the
// task failed rather than completed).
func runEchoTurn(write func(any), abortCh chan struct{}, prompt string) {
	write(map[string]any{"type": "agent_start"})

	firstLine := prompt
	if idx := strings.IndexByte(prompt, '\n'); idx >= 0 {
		firstLine = prompt[:idx]
	}
	chunks := []string{"Acknowledged: ", firstLine, ". Completed."}

	for _, chunk := range chunks {
		select {
		case <-abortCh:
			write(map[string]any{"type": "agent_end"})
			return
		case <-time.After(echoChunkDelay):
		}
		write(map[string]any{
			"type": "message_update",
			"assistantMessageEvent": map[string]any{
				"text_delta": chunk,
			},
		})
	}
	write(map[string]any{"type": "agent_end"})
}
