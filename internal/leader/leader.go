// Package leader implements the leader process side of coordination:
// spawning and supervising worker child processes, delegating tasks,
// and dispatching the lead's own inbox. Grounded on
// internal/actors.ActorPool's scheduleLoop/wakeScheduler idea in the
// teacher repo for the background-timer shape, generalized to use
// golang.org/x/sync/singleflight instead of a hand-rolled signal
// channel, and on zulandar-gastown's crew.Manager for the
// spawn/kill/lifecycle method shapes.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dohr-michael/pi-teams/internal/childrpc"
	"github.com/dohr-michael/pi-teams/internal/mailbox"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
	"github.com/dohr-michael/pi-teams/internal/teamtask"
)

const (
	teamNS               = "team"
	defaultRefreshPeriod = time.Second
	defaultInboxPeriod   = 700 * time.Millisecond
	defaultMaxTeammates  = 4
	minTeammates         = 1
	maxTeammatesClamp    = 16
	shutdownFallback     = 10 * time.Second
)

// Teammate is a spawned worker this leader supervises over child RPC.
type Teammate struct {
	Name        string
	Client      ChildProcess
	WorktreeDir string
	SessionFile string
	events      chan childrpc.Event
	cancel      context.CancelFunc
}

// Activity tracks lightweight per-teammate metrics surfaced to a UI
// collaborator.
type Activity struct {
	ToolCount    int
	CurrentTool  string
	TokensUsed   int
}

// UINotifier is the leader's collaborator surface: a sink for
// human-facing notifications. The UI itself lives outside this
// package.
type UINotifier interface {
	Notify(message string)
}

// noopNotifier discards notifications, used when the caller does not
// supply one.
type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

// Config bootstraps a Leader.
type Config struct {
	TeamID        string
	TaskListID    string
	LeadName      string
	Style         string
	RootDir       string
	// RepoDir is the git repository SpawnTeammate roots worktrees in
	// for WorkspaceModeWorktree. Defaults to the process cwd.
	RepoDir       string
	MaxTeammates  int
	RefreshPeriod time.Duration
	InboxPeriod   time.Duration
	Notifier      UINotifier
	// Worktree overrides the git-backed default, for tests.
	Worktree      Worktree
	Logger        *slog.Logger
}

// Leader orchestrates a team: the teammates map, background refresh
// and inbox timers, and the delegate-mode flag.
type Leader struct {
	cfg    Config
	layout teamfs.Layout
	tasks  *teamtask.Store
	config *teamconfig.Store
	mail   *mailbox.Store
	notify UINotifier
	log    *slog.Logger

	worktree Worktree

	mu                   sync.Mutex
	teammates            map[string]*Teammate
	teammateOrder        []string
	activity             map[string]*Activity
	pendingPlanApprovals map[string]protocol.PlanApprovalRequest
	// sessionNames tracks, per teammate name, the last session name
	// this leader applied (RPC call and/or mailbox set_session_name),
	// so handleIdleNotification only re-sends when the desired name
	// actually changed (spec.md §4.10: "if the stored sessionName
	// differs").
	sessionNames      map[string]string
	delegateMode      bool
	shutdownFallbacks map[string]*time.Timer

	refreshGroup singleflight.Group
	inboxGroup   singleflight.Group

	stopCh chan struct{}
}

// New builds a Leader for cfg.
func New(cfg Config) *Leader {
	if cfg.MaxTeammates <= 0 {
		cfg.MaxTeammates = defaultMaxTeammates
	}
	if cfg.MaxTeammates < minTeammates {
		cfg.MaxTeammates = minTeammates
	}
	if cfg.MaxTeammates > maxTeammatesClamp {
		cfg.MaxTeammates = maxTeammatesClamp
	}
	if cfg.RefreshPeriod <= 0 {
		cfg.RefreshPeriod = defaultRefreshPeriod
	}
	if cfg.InboxPeriod <= 0 {
		cfg.InboxPeriod = defaultInboxPeriod
	}
	if cfg.TaskListID == "" {
		cfg.TaskListID = cfg.TeamID
	}
	if cfg.RepoDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.RepoDir = wd
		}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	worktree := cfg.Worktree
	if worktree == nil {
		worktree = gitWorktree{}
	}

	layout := teamfs.New(cfg.RootDir, cfg.TeamID)
	return &Leader{
		cfg:                  cfg,
		layout:               layout,
		tasks:                teamtask.NewStore(layout.TasksDir(cfg.TaskListID)),
		config:               teamconfig.New(layout),
		mail:                 mailbox.New(layout),
		notify:               notifier,
		log:                  logger,
		worktree:             worktree,
		sessionNames:         map[string]string{},
		teammates:            map[string]*Teammate{},
		activity:             map[string]*Activity{},
		pendingPlanApprovals: map[string]protocol.PlanApprovalRequest{},
		shutdownFallbacks:    map[string]*time.Timer{},
		stopCh:               make(chan struct{}),
	}
}

// Start ensures the team config exists and launches the refresh/inbox
// background timers.
func (l *Leader) Start(ctx context.Context) error {
	if _, err := l.config.EnsureTeamConfig(teamconfig.Init{TeamID: l.cfg.TeamID, LeadName: l.cfg.LeadName}); err != nil {
		return fmt.Errorf("leader: ensure team config: %w", err)
	}
	go l.timerLoop(ctx, l.cfg.RefreshPeriod, l.refresh)
	go l.timerLoop(ctx, l.cfg.InboxPeriod, l.pollInbox)
	return nil
}

func (l *Leader) timerLoop(ctx context.Context, period time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// refresh reloads the task list and team config. Single-flighted so a
// slow reload never overlaps with itself.
func (l *Leader) refresh(ctx context.Context) {
	_, _, _ = l.refreshGroup.Do("refresh", func() (any, error) {
		if _, err := l.tasks.ListTasks(); err != nil {
			l.log.Warn("leader: refresh list tasks failed", "error", err)
		}
		if _, err := l.config.Read(); err != nil {
			l.log.Warn("leader: refresh read team config failed", "error", err)
		}
		return nil, nil
	})
}

// DelegateMode reports whether the delegate tool is currently enabled.
func (l *Leader) DelegateMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegateMode
}

// SetDelegateMode toggles the delegate-mode flag.
func (l *Leader) SetDelegateMode(on bool) {
	l.mu.Lock()
	l.delegateMode = on
	l.mu.Unlock()
}

// Teammates returns a snapshot of the current teammate names.
func (l *Leader) Teammates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.teammates))
	for name := range l.teammates {
		names = append(names, name)
	}
	return names
}

// Stop halts the leader's background timers. The leader's own session
// otherwise remains alive (per spec, Shutdown with no args never kills
// the lead itself).
func (l *Leader) Stop() {
	close(l.stopCh)
}

// mailboxMessage builds a mailbox.Message carrying a structured wire
// payload already encoded by protocol.Encode.
func mailboxMessage(from, text string) mailbox.Message {
	return mailbox.Message{From: from, Text: text}
}
