package childrpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeChild writes a tiny shell-driven child that answers any
// "request" with a successful "response", followed by a canned
// agent_start/message_update/agent_end sequence.
func writeFakeChild(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_child.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  cmd=$(echo "$line" | sed -n 's/.*"command":"\([^"]*\)".*/\1/p')
  echo "{\"type\":\"response\",\"id\":\"$id\",\"command\":\"$cmd\",\"success\":true}"
  echo '{"type":"agent_start"}'
  echo '{"type":"message_update","assistantMessageEvent":{"text_delta":"hello "}}'
  echo '{"type":"message_update","assistantMessageEvent":{"text_delta":"world"}}'
  echo '{"type":"agent_end"}'
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake child: %v", err)
	}
	return path
}

func TestStartEventsAndCall(t *testing.T) {
	path := writeFakeChild(t)
	c := New(Options{Argv: []string{"/bin/sh", path}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Call(ctx, CommandPrompt, map[string]any{"prompt": "hi"}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	deadline := time.After(2 * time.Second)
	sawStart, sawEnd := false, false
	for !sawStart || !sawEnd {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case EventAgentStart:
				sawStart = true
			case EventAgentEnd:
				sawEnd = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, sawStart=%v sawEnd=%v", sawStart, sawEnd)
		}
	}

	if got := c.LastAssistantText(); got != "hello world" {
		t.Fatalf("LastAssistantText = %q, want %q", got, "hello world")
	}
}

func TestCallReceivesResponse(t *testing.T) {
	path := writeFakeChild(t)
	c := New(Options{Argv: []string{"/bin/sh", path}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Call(ctx, CommandGetState, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestStopRejectsPendingCalls(t *testing.T) {
	// A child that never answers forces Call to observe Stop's rejection.
	path := filepath.Join(t.TempDir(), "silent_child.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"), 0o755); err != nil {
		t.Fatalf("write silent child: %v", err)
	}

	c := New(Options{Argv: []string{"/bin/sh", path}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.Call(ctx, CommandPrompt, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Call to fail after Stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return after Stop")
	}
}
