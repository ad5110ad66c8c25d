package leader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dohr-michael/pi-teams/internal/childrpc"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// SpawnMode selects whether SpawnTeammate starts a real child RPC
// process or only registers a teammate that is expected to run (and
// poll its own mailboxes) independently, outside this leader's
// process tree.
type SpawnMode string

const (
	SpawnModeRPC    SpawnMode = "rpc"
	SpawnModeManual SpawnMode = "manual"
)

// WorkspaceMode selects whether SpawnTeammate provisions an isolated
// git worktree for the teammate or runs it against the shared team
// cwd.
type WorkspaceMode string

const (
	WorkspaceModeWorktree WorkspaceMode = "worktree"
	WorkspaceModeShared   WorkspaceMode = "shared"
)

// SpawnOptions carries the per-spawn knobs spec.md §4.9's
// spawnTeammate(name, mode, workspaceMode, planRequired?) names. A zero
// value spawns a real RPC child in the shared team cwd with no plan
// gating.
type SpawnOptions struct {
	Mode          SpawnMode
	WorkspaceMode WorkspaceMode
	PlanRequired  bool
}

// Worktree provisions an isolated git working tree for a spawned
// teammate. The default implementation shells out to git (grounded on
// internal/plugins.GitTool's exec.CommandContext pattern in the teacher
// repo); SpawnTeammate falls back to the shared team cwd with a warning
// if it returns an error, per spec.md §4.9.
type Worktree interface {
	Create(ctx context.Context, repoDir, branch, dir string) error
}

const gitWorktreeTimeout = 15 * time.Second

type gitWorktree struct{}

// Create runs `git worktree add -B <branch> <dir>` rooted at repoDir.
func (gitWorktree) Create(ctx context.Context, repoDir, branch, dir string) error {
	if repoDir == "" {
		return fmt.Errorf("no repo directory configured")
	}
	ctx, cancel := context.WithTimeout(ctx, gitWorktreeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-B", branch, dir)
	cmd.Dir = repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ChildProcess is the subset of *childrpc.Client a Leader depends on,
// factored out so tests can substitute a fake child without spawning a
// real process.
type ChildProcess interface {
	Start(ctx context.Context) error
	Stop() error
	Subscribe() chan childrpc.Event
	Unsubscribe(ch chan childrpc.Event)
	Send(ctx context.Context, prompt string) error
	Abort(ctx context.Context) error
	SetSessionName(ctx context.Context, name string) error
	State() childrpc.State
}

// ChildFactory builds the ChildProcess for a newly spawned teammate.
// The default wraps childrpc.New; tests may inject a fake.
type ChildFactory func(argv []string, dir string, env []string) ChildProcess

func defaultChildFactory(argv []string, dir string, env []string) ChildProcess {
	return childrpc.New(childrpc.Options{Argv: argv, Dir: dir, Env: env})
}

// SpawnResult reports the outcome of SpawnTeammate.
type SpawnResult struct {
	Name     string
	Warnings []string
}

// SpawnTeammate validates and sanitizes name, rejects duplicates,
// provisions an optional worktree, and — for SpawnModeRPC (the
// default) — records the teammate's session file path in the team
// config and starts a child RPC driving the worker binary named by
// argv. The session file itself is not created or branched here. SpawnModeManual registers the teammate (for
// round-robin delegation and session naming) without starting or
// tracking a child process, for a worker already running independently
// outside this leader's process tree.
func (l *Leader) SpawnTeammate(ctx context.Context, name string, argv []string, opts SpawnOptions, factory ChildFactory) (*SpawnResult, error) {
	name = teamfs.Sanitize(name)
	if name == "" {
		return nil, fmt.Errorf("leader: empty teammate name")
	}
	if opts.Mode == "" {
		opts.Mode = SpawnModeRPC
	}
	if opts.WorkspaceMode == "" {
		opts.WorkspaceMode = WorkspaceModeShared
	}
	if factory == nil {
		factory = defaultChildFactory
	}

	l.mu.Lock()
	_, existsRPC := l.teammates[name]
	_, existsOrder := indexOf(l.teammateOrder, name)
	l.mu.Unlock()
	if existsRPC || existsOrder {
		return nil, fmt.Errorf("leader: teammate %q already exists", name)
	}

	var warnings []string

	sessionFile := l.layout.SessionFile(name)
	worktreeDir := ""
	if opts.WorkspaceMode == WorkspaceModeWorktree {
		dir := l.layout.WorktreeDir(name)
		if err := l.worktree.Create(ctx, l.cfg.RepoDir, name, dir); err != nil {
			warnings = append(warnings, fmt.Sprintf("worktree setup failed, falling back to shared workspace: %v", err))
		} else {
			worktreeDir = dir
		}
	}

	if opts.Mode == SpawnModeManual {
		l.mu.Lock()
		l.teammateOrder = append(l.teammateOrder, name)
		l.sessionNames[name] = name
		l.mu.Unlock()

		if err := l.sendSetSessionName(name); err != nil {
			warnings = append(warnings, fmt.Sprintf("mailbox set_session_name failed: %v", err))
		}
		if _, err := l.config.UpsertMember(teamconfig.TeamMember{
			Name:   name,
			Role:   teamconfig.RoleWorker,
			Status: teamconfig.StatusOnline,
			Cwd:    worktreeDir,
		}); err != nil {
			warnings = append(warnings, fmt.Sprintf("upsertMember failed: %v", err))
		}
		return &SpawnResult{Name: name, Warnings: warnings}, nil
	}

	env := append(os.Environ(),
		"PI_TEAMS_WORKER=1",
		"PI_TEAMS_TEAM_ID="+l.cfg.TeamID,
		"PI_TEAMS_AGENT_NAME="+name,
		"PI_TEAMS_TASK_LIST_ID="+l.cfg.TaskListID,
		"PI_TEAMS_LEAD_NAME="+l.cfg.LeadName,
		"PI_TEAMS_PLAN_REQUIRED="+boolEnv(opts.PlanRequired),
		"PI_TEAMS_STYLE="+l.cfg.Style,
		"PI_TEAMS_ROOT_DIR="+l.cfg.RootDir,
	)

	dir := worktreeDir
	child := factory(argv, dir, env)
	if err := child.Start(ctx); err != nil {
		return nil, fmt.Errorf("leader: start teammate %q: %w", name, err)
	}

	events := child.Subscribe()
	childCtx, cancel := context.WithCancel(ctx)
	tm := &Teammate{
		Name:        name,
		Client:      child,
		WorktreeDir: worktreeDir,
		SessionFile: sessionFile,
		events:      events,
		cancel:      cancel,
	}

	l.mu.Lock()
	l.teammates[name] = tm
	l.teammateOrder = append(l.teammateOrder, name)
	l.activity[name] = &Activity{}
	l.sessionNames[name] = name
	l.mu.Unlock()

	go l.superviseTeammate(childCtx, name, child, events)

	if err := child.SetSessionName(ctx, name); err != nil {
		warnings = append(warnings, fmt.Sprintf("set_session_name failed: %v", err))
	}
	if err := l.sendSetSessionName(name); err != nil {
		warnings = append(warnings, fmt.Sprintf("mailbox set_session_name failed: %v", err))
	}

	if _, err := l.config.UpsertMember(teamconfig.TeamMember{
		Name:   name,
		Role:   teamconfig.RoleWorker,
		Status: teamconfig.StatusOnline,
		Cwd:    worktreeDir,
	}); err != nil {
		warnings = append(warnings, fmt.Sprintf("upsertMember failed: %v", err))
	}

	return &SpawnResult{Name: name, Warnings: warnings}, nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func indexOf(names []string, name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

func (l *Leader) sendSetSessionName(name string) error {
	text, err := protocol.Encode(protocol.TypeSetSessionName, protocol.SetSessionName{Name: name})
	if err != nil {
		return err
	}
	return l.mail.WriteToMailbox(teamNS, name, mailboxMessage(l.cfg.LeadName, text))
}

// superviseTeammate watches a teammate's agent_end events (updating
// activity counters) until its context is cancelled or the child's
// event channel closes. Only a closed channel unassigns the teammate's
// tasks and marks it offline; cancellation just stops watching.
func (l *Leader) superviseTeammate(ctx context.Context, name string, child ChildProcess, events chan childrpc.Event) {
	defer child.Unsubscribe(events)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				l.onTeammateClosed(name)
				return
			}
			l.recordActivity(name, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Leader) recordActivity(name string, ev childrpc.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.activity[name]
	if !ok {
		return
	}
	switch ev.Kind {
	case childrpc.EventAgentStart:
		a.CurrentTool = ""
	case childrpc.EventAgentEnd:
		a.ToolCount++
		a.CurrentTool = ""
	}
}

func (l *Leader) onTeammateClosed(name string) {
	if _, err := l.tasks.UnassignTasksForAgent(name, "child_closed"); err != nil {
		l.log.Warn("leader: unassign on child close failed", "name", name, "error", err)
	}
	if _, err := l.config.SetMemberStatus(name, teamconfig.StatusOffline, timePtr(time.Now().UTC()), nil); err != nil {
		l.log.Warn("leader: mark offline on child close failed", "name", name, "error", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func removeFromOrder(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}

// Kill stops a teammate's child process immediately, removes it from
// the teammates map, unassigns its tasks, and marks it offline.
func (l *Leader) Kill(name string) error {
	name = teamfs.Sanitize(name)
	l.mu.Lock()
	tm, ok := l.teammates[name]
	if ok {
		delete(l.teammates, name)
		l.teammateOrder = removeFromOrder(l.teammateOrder, name)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("leader: teammate %q not found", name)
	}

	tm.cancel()
	if err := tm.Client.Stop(); err != nil {
		l.log.Warn("leader: stop teammate failed", "name", name, "error", err)
	}
	l.onTeammateClosed(name)
	return nil
}
