// Package worker implements the per-teammate poll loop: pulling mailbox
// messages addressed to this agent, deciding what work to start next,
// and reconciling task state when the local agent turn ends. Grounded
// on internal/heartbeat.Writer's ticker-goroutine-with-clean-stop
// pattern in the teacher repo, generalized from a single heartbeat file
// write to the full poll/decide/dispatch cycle.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dohr-michael/pi-teams/internal/childrpc"
	"github.com/dohr-michael/pi-teams/internal/mailbox"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
	"github.com/dohr-michael/pi-teams/internal/teamtask"
)

const (
	pollPeriod   = 350 * time.Millisecond
	teamNS       = "team"
	defaultLead  = "team-lead"
)

// AgentHost is the local agent runtime a Worker drives. *childrpc.Client
// satisfies it directly.
type AgentHost interface {
	Send(ctx context.Context, prompt string) error
	Abort(ctx context.Context) error
	SetSessionName(ctx context.Context, name string) error
	Subscribe() chan childrpc.Event
	Unsubscribe(ch chan childrpc.Event)
	LastAssistantText() string
}

// Config is the environment-derived bootstrap configuration for a
// Worker. Absent TeamID/AgentName makes the worker a no-op (FromEnv
// returns ok=false).
type Config struct {
	TeamID       string
	AgentName    string
	TaskListID   string
	LeadName     string
	AutoClaim    bool
	PlanRequired bool
	Style        string
	RootDir      string
}

// FromEnv reads the PI_TEAMS_* environment variables once, per spec
// §6.4. ok is false if the worker should be a no-op.
func FromEnv() (Config, bool) {
	var cfg Config
	if os.Getenv("PI_TEAMS_WORKER") != "1" {
		return cfg, false
	}
	cfg.TeamID = os.Getenv("PI_TEAMS_TEAM_ID")
	cfg.AgentName = teamfs.Sanitize(os.Getenv("PI_TEAMS_AGENT_NAME"))
	if cfg.TeamID == "" || cfg.AgentName == "" {
		return cfg, false
	}

	cfg.TaskListID = os.Getenv("PI_TEAMS_TASK_LIST_ID")
	if cfg.TaskListID == "" {
		cfg.TaskListID = cfg.TeamID
	}
	cfg.LeadName = os.Getenv("PI_TEAMS_LEAD_NAME")
	if cfg.LeadName == "" {
		cfg.LeadName = defaultLead
	}
	cfg.AutoClaim = true
	if v := os.Getenv("PI_TEAMS_AUTO_CLAIM"); v != "" {
		cfg.AutoClaim = v == "1"
	}
	cfg.PlanRequired = os.Getenv("PI_TEAMS_PLAN_REQUIRED") == "1"
	cfg.Style = os.Getenv("PI_TEAMS_STYLE")
	cfg.RootDir = os.Getenv(teamfs.RootEnvVar)
	return cfg, true
}

// abortState tracks an abort_request targeting the worker's current
// task, consumed at the next agent_end.
type abortState struct {
	TaskID    string
	Reason    string
	RequestID string
}

// pendingPlanState tracks an outstanding plan_approval_request this
// worker posted to the lead (when cfg.PlanRequired is set): the turn's
// prompt is held back from the host until a matching plan_approved
// arrives, or discarded on plan_rejected.
type pendingPlanState struct {
	RequestID string
	TaskID    string
	Prompt    string
}

// Worker drives one agent's participation in a team: polling its
// mailboxes, deciding what to work on next, and reconciling task state
// when the agent finishes a turn.
type Worker struct {
	cfg    Config
	host   AgentHost
	layout teamfs.Layout
	tasks  *teamtask.Store
	config *teamconfig.Store
	mail   *mailbox.Store
	log    *slog.Logger

	mu                     sync.Mutex
	streaming              bool
	isDeciding             bool
	currentTaskID          string
	pendingTaskAssignments []string
	pendingDMTexts         []string
	shutdownInProgress     bool
	pollAbort              bool
	abort                  *abortState
	pendingPlan            *pendingPlanState
	sessionName            string
	seenShutdownRequestIDs map[string]struct{}
	seenAbortRequestIDs    map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Worker for cfg, driving host and persisting state under
// root.
func New(cfg Config, host AgentHost, root string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	layout := teamfs.New(root, cfg.TeamID)
	return &Worker{
		cfg:                    cfg,
		host:                   host,
		layout:                 layout,
		tasks:                  teamtask.NewStore(layout.TasksDir(cfg.TaskListID)),
		config:                 teamconfig.New(layout),
		mail:                   mailbox.New(layout),
		log:                    logger,
		seenShutdownRequestIDs: map[string]struct{}{},
		seenAbortRequestIDs:    map[string]struct{}{},
		stopCh:                 make(chan struct{}),
		doneCh:                 make(chan struct{}),
	}
}

// SessionStart registers the worker in team config, starts the poll
// loop, attempts to start work immediately, and sends an initial idle
// notification if nothing started.
func (w *Worker) SessionStart(ctx context.Context) error {
	if _, err := w.config.EnsureTeamConfig(teamconfig.Init{TeamID: w.cfg.TeamID, LeadName: w.cfg.LeadName}); err != nil {
		return err
	}
	if _, err := w.config.UpsertMember(teamconfig.TeamMember{
		Name:   w.cfg.AgentName,
		Role:   teamconfig.RoleWorker,
		Status: teamconfig.StatusOnline,
	}); err != nil {
		return err
	}

	events := w.host.Subscribe()
	go w.watchEvents(ctx, events)

	go w.pollLoop(ctx)

	w.maybeStartNextWork(ctx)
	w.mu.Lock()
	idle := !w.streaming && w.currentTaskID == ""
	w.mu.Unlock()
	if idle {
		w.postIdleNotification(ctx, "", "", "")
	}
	return nil
}

// SessionShutdown stops the poll loop, unassigns owned non-completed
// tasks, marks the worker offline, and sends a final idle notification.
func (w *Worker) SessionShutdown(ctx context.Context, reason string) {
	w.mu.Lock()
	w.shutdownInProgress = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if _, err := w.tasks.UnassignTasksForAgent(w.cfg.AgentName, reason); err != nil {
		w.log.Warn("worker: unassign on shutdown failed", "error", err)
	}
	if _, err := w.config.SetMemberStatus(w.cfg.AgentName, teamconfig.StatusOffline, timePtr(time.Now().UTC()), nil); err != nil {
		w.log.Warn("worker: mark offline failed", "error", err)
	}
	w.postIdleNotification(ctx, "", "", reason)
}

func (w *Worker) watchEvents(ctx context.Context, events chan childrpc.Event) {
	defer w.host.Unsubscribe(events)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == childrpc.EventAgentEnd {
				w.handleAgentEnd(ctx)
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// ShutdownRequested reports whether the worker has handled a
// shutdown_request (after which the poll loop exits on its own) or a
// session shutdown is under way, so the host process can call
// SessionShutdown and then exit. An abort_request never stops the loop.
func (w *Worker) ShutdownRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollAbort || w.shutdownInProgress
}

// Done returns a channel closed once the poll loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Worker) postIdleNotification(ctx context.Context, completedTaskID string, completedStatus protocol.CompletedStatus, failureReason string) {
	now := time.Now().UTC()
	msg := protocol.IdleNotification{
		From:            w.cfg.AgentName,
		Timestamp:       &now,
		CompletedTaskID: completedTaskID,
		CompletedStatus: completedStatus,
		FailureReason:   failureReason,
	}
	text, err := protocol.Encode(protocol.TypeIdleNotification, msg)
	if err != nil {
		w.log.Warn("worker: encode idle_notification failed", "error", err)
		return
	}
	if err := w.mail.WriteToMailbox(teamNS, w.cfg.LeadName, mailbox.Message{From: w.cfg.AgentName, Text: text}); err != nil {
		w.log.Warn("worker: post idle_notification failed", "error", err)
	}
}
