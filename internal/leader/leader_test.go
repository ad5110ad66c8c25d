package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/pi-teams/internal/childrpc"
	"github.com/dohr-michael/pi-teams/internal/mailbox"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
	"github.com/dohr-michael/pi-teams/internal/teamtask"
)

// fakeChild is a scriptable ChildProcess for exercising leader spawn,
// kill, and dispatch logic without spawning a real process.
type fakeChild struct {
	mu          sync.Mutex
	started     bool
	stopped     bool
	sessionName string
	listeners   []chan childrpc.Event
}

func (f *fakeChild) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}
func (f *fakeChild) Stop() error {
	f.mu.Lock()
	f.stopped = true
	for _, ch := range f.listeners {
		close(ch)
	}
	f.listeners = nil
	f.mu.Unlock()
	return nil
}
func (f *fakeChild) Subscribe() chan childrpc.Event {
	ch := make(chan childrpc.Event, 8)
	f.mu.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu.Unlock()
	return ch
}
func (f *fakeChild) Unsubscribe(ch chan childrpc.Event) {}
func (f *fakeChild) Send(ctx context.Context, prompt string) error { return nil }
func (f *fakeChild) Abort(ctx context.Context) error               { return nil }
func (f *fakeChild) SetSessionName(ctx context.Context, name string) error {
	f.mu.Lock()
	f.sessionName = name
	f.mu.Unlock()
	return nil
}
func (f *fakeChild) State() childrpc.State { return childrpc.StateIdle }

func fakeFactory() (ChildFactory, *fakeChild) {
	child := &fakeChild{}
	return func(argv []string, dir string, env []string) ChildProcess { return child }, child
}

func newTestLeader(t *testing.T) (*Leader, string) {
	t.Helper()
	root := t.TempDir()
	l := New(Config{TeamID: "T1", LeadName: "team-lead", RootDir: root})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l, root
}

func TestSpawnAndKillTeammate(t *testing.T) {
	l, root := newTestLeader(t)
	factory, child := fakeFactory()

	result, err := l.SpawnTeammate(context.Background(), "Agent One", []string{"agent-bin"}, SpawnOptions{WorkspaceMode: WorkspaceModeShared}, factory)
	if err != nil {
		t.Fatalf("SpawnTeammate: %v", err)
	}
	if result.Name != "Agent-One" {
		t.Fatalf("expected sanitized name Agent-One, got %q", result.Name)
	}

	names := l.Teammates()
	if len(names) != 1 || names[0] != "Agent-One" {
		t.Fatalf("expected one teammate Agent-One, got %v", names)
	}

	layout := teamfs.New(root, "T1")
	cfg, err := teamconfig.New(layout).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	found := false
	for _, m := range cfg.Members {
		if m.Name == "Agent-One" && m.Status == teamconfig.StatusOnline {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Agent-One online in team config")
	}

	if err := l.Kill("Agent-One"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	child.mu.Lock()
	stopped := child.stopped
	child.mu.Unlock()
	if !stopped {
		t.Fatal("expected child Stop() to be called")
	}
	if len(l.Teammates()) != 0 {
		t.Fatal("expected no teammates after kill")
	}
}

func TestDelegateSpawnsWorkerAndAssignsTask(t *testing.T) {
	l, root := newTestLeader(t)
	factory, _ := fakeFactory()

	assignments, err := l.Delegate(context.Background(), []DelegateItem{
		{Text: "Write the docs", Assignee: "writer"},
	}, []string{"agent-bin"}, factory)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %v", assignments)
	}
	if assignments[0].Assignee != "writer" {
		t.Fatalf("expected assignee writer, got %q", assignments[0].Assignee)
	}

	layout := teamfs.New(root, "T1")
	taskStore := teamtask.NewStore(layout.TasksDir("T1"))
	task, err := taskStore.GetTask(assignments[0].TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Owner != "writer" || task.Subject != "Write the docs" {
		t.Fatalf("unexpected task: %+v", task)
	}

	mail := mailbox.New(layout)
	msgs, err := mail.PopUnreadMessages("T1", "writer")
	if err != nil {
		t.Fatalf("PopUnreadMessages: %v", err)
	}
	sawAssignment := false
	for _, m := range msgs {
		if decoded, ok := protocol.Decode(m.Text); ok && decoded.Type == protocol.TypeTaskAssignment {
			sawAssignment = true
		}
	}
	if !sawAssignment {
		t.Fatalf("expected a task_assignment message, got %+v", msgs)
	}
}

func TestDispatchShutdownApprovedMarksOffline(t *testing.T) {
	l, root := newTestLeader(t)
	layout := teamfs.New(root, "T1")
	cfgStore := teamconfig.New(layout)
	if _, err := cfgStore.UpsertMember(teamconfig.TeamMember{Name: "agent1", Role: teamconfig.RoleWorker, Status: teamconfig.StatusOnline}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	text, err := protocol.Encode(protocol.TypeShutdownApproved, protocol.ShutdownApproved{From: "agent1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	l.dispatch(context.Background(), mailbox.Message{From: "agent1", Text: text})

	cfg, err := cfgStore.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, m := range cfg.Members {
		if m.Name == "agent1" && m.Status != teamconfig.StatusOffline {
			t.Fatalf("expected agent1 offline, got %+v", m)
		}
	}
}

func TestShutdownNameSchedulesFallback(t *testing.T) {
	l, _ := newTestLeader(t)
	factory, child := fakeFactory()
	if _, err := l.SpawnTeammate(context.Background(), "agent1", []string{"agent-bin"}, SpawnOptions{WorkspaceMode: WorkspaceModeShared}, factory); err != nil {
		t.Fatalf("SpawnTeammate: %v", err)
	}

	if err := l.ShutdownName("agent1"); err != nil {
		t.Fatalf("ShutdownName: %v", err)
	}

	l.mu.Lock()
	_, hasFallback := l.shutdownFallbacks["agent1"]
	l.mu.Unlock()
	if !hasFallback {
		t.Fatal("expected a shutdown fallback timer to be scheduled")
	}

	child.mu.Lock()
	child.stopped = false
	child.mu.Unlock()

	text, err := protocol.Encode(protocol.TypeShutdownApproved, protocol.ShutdownApproved{From: "agent1", RequestID: "whatever"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	l.handleShutdownApproved(func() protocol.ShutdownApproved {
		d, _ := protocol.Decode(text)
		return d.Payload.(protocol.ShutdownApproved)
	}())

	l.mu.Lock()
	_, stillHasFallback := l.shutdownFallbacks["agent1"]
	l.mu.Unlock()
	if stillHasFallback {
		t.Fatal("expected shutdown_approved to cancel the fallback timer")
	}
}

func TestShutdownStopsAllRPCTeammates(t *testing.T) {
	l, _ := newTestLeader(t)
	factory, child := fakeFactory()
	if _, err := l.SpawnTeammate(context.Background(), "agent1", []string{"agent-bin"}, SpawnOptions{WorkspaceMode: WorkspaceModeShared}, factory); err != nil {
		t.Fatalf("SpawnTeammate: %v", err)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	child.mu.Lock()
	stopped := child.stopped
	child.mu.Unlock()
	if !stopped {
		t.Fatal("expected Shutdown to stop the RPC teammate")
	}
	if len(l.Teammates()) != 0 {
		t.Fatal("expected no teammates remaining after Shutdown")
	}
}

func TestRefreshAndPollInboxDoNotBlock(t *testing.T) {
	l, _ := newTestLeader(t)
	done := make(chan struct{})
	go func() {
		l.refresh(context.Background())
		l.pollInbox(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh/pollInbox did not return promptly")
	}
}
