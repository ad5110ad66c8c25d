package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
	"github.com/dohr-michael/pi-teams/internal/teamtask"
)

func newRequestID() string { return uuid.NewString() }

// DelegateItem is one unit of work handed to teams.delegate.
type DelegateItem struct {
	Text     string
	Assignee string
}

// DelegateAssignment reports the outcome for one DelegateItem.
type DelegateAssignment struct {
	TaskID   string
	Assignee string
	Warning  string
}

// Delegate ensures every required worker exists (spawning up to
// maxTeammates), creates one task per item, and mailboxes a
// task_assignment to each resolved assignee.
func (l *Leader) Delegate(ctx context.Context, items []DelegateItem, argv []string, factory ChildFactory) ([]DelegateAssignment, error) {
	assignments := make([]DelegateAssignment, 0, len(items))
	roundRobin := 0

	for _, item := range items {
		assignee := teamfs.Sanitize(item.Assignee)
		if assignee == "" {
			assignee = l.nextRoundRobinName(roundRobin)
			roundRobin++
		}

		warning := l.ensureSpawned(ctx, assignee, argv, factory)

		task, err := l.tasks.CreateTask(item.Text, item.Text, assignee)
		if err != nil {
			return assignments, fmt.Errorf("leader: create delegated task: %w", err)
		}

		text, err := protocol.Encode(protocol.TypeTaskAssignment, protocol.TaskAssignment{
			TaskID:      task.ID,
			Subject:     task.Subject,
			Description: task.Description,
			AssignedBy:  l.cfg.LeadName,
		})
		if err != nil {
			return assignments, fmt.Errorf("leader: encode task_assignment: %w", err)
		}
		if err := l.mail.WriteToMailbox(l.cfg.TaskListID, assignee, mailboxMessage(l.cfg.LeadName, text)); err != nil {
			warning = appendWarning(warning, fmt.Sprintf("post task_assignment failed: %v", err))
		}

		assignments = append(assignments, DelegateAssignment{TaskID: task.ID, Assignee: assignee, Warning: warning})
	}

	return assignments, nil
}

// nextRoundRobinName picks the i-th teammate in spawn order, wrapping
// around. Spawn order (not map iteration, which Go leaves unspecified)
// is what keeps repeated calls from the same Delegate batch distributing
// deterministically.
func (l *Leader) nextRoundRobinName(i int) string {
	l.mu.Lock()
	names := append([]string{}, l.teammateOrder...)
	l.mu.Unlock()
	if len(names) == 0 {
		return fmt.Sprintf("worker-%d", i+1)
	}
	return names[i%len(names)]
}

func (l *Leader) ensureSpawned(ctx context.Context, name string, argv []string, factory ChildFactory) string {
	l.mu.Lock()
	_, exists := l.teammates[name]
	count := len(l.teammates)
	l.mu.Unlock()
	if exists {
		return ""
	}
	if count >= l.cfg.MaxTeammates {
		return fmt.Sprintf("maxTeammates (%d) reached, %q not spawned", l.cfg.MaxTeammates, name)
	}

	result, err := l.SpawnTeammate(ctx, name, argv, SpawnOptions{}, factory)
	if err != nil {
		return fmt.Sprintf("spawn %q failed: %v", name, err)
	}
	if len(result.Warnings) > 0 {
		return fmt.Sprintf("spawned %q with warnings: %v", name, result.Warnings)
	}
	return ""
}

func appendWarning(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}

// Shutdown stops every RPC teammate (unassigning their tasks, marking
// offline) and, for remaining online manual workers recorded in team
// config without an in-progress task, mailboxes a shutdown_request and
// marks them offline. The leader's own session remains alive.
func (l *Leader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	names := make([]string, 0, len(l.teammates))
	for name := range l.teammates {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		if err := l.Kill(name); err != nil {
			l.log.Warn("leader: kill during shutdown failed", "name", name, "error", err)
		}
	}

	cfg, err := l.config.Read()
	if err != nil {
		return fmt.Errorf("leader: read team config: %w", err)
	}
	if cfg == nil {
		return nil
	}

	for _, member := range cfg.Members {
		if member.Role != teamconfig.RoleWorker || member.Status != teamconfig.StatusOnline {
			continue
		}
		busy, err := l.memberHasInProgressTask(member.Name)
		if err != nil {
			l.log.Warn("leader: check in-progress task failed", "name", member.Name, "error", err)
			continue
		}
		if busy {
			continue
		}
		if err := l.requestManualShutdown(member.Name); err != nil {
			l.log.Warn("leader: request manual shutdown failed", "name", member.Name, "error", err)
		}
	}
	return nil
}

// ShutdownName requests shutdown of a single teammate by name. RPC
// teammates get a 10s fallback: if they have not stopped by then, the
// leader force-stops them.
func (l *Leader) ShutdownName(name string) error {
	name = teamfs.Sanitize(name)
	requestID, err := l.requestShutdown(name)
	if err != nil {
		return err
	}

	l.mu.Lock()
	_, isRPC := l.teammates[name]
	l.mu.Unlock()
	if !isRPC {
		return nil
	}

	timer := time.AfterFunc(shutdownFallback, func() {
		l.mu.Lock()
		_, stillPresent := l.teammates[name]
		l.mu.Unlock()
		if !stillPresent {
			return
		}
		l.log.Warn("leader: shutdown fallback firing, force-killing teammate", "name", name, "requestId", requestID)
		if err := l.Kill(name); err != nil {
			l.log.Warn("leader: fallback kill failed", "name", name, "error", err)
		}
	})

	l.mu.Lock()
	l.shutdownFallbacks[name] = timer
	l.mu.Unlock()
	return nil
}

func (l *Leader) requestManualShutdown(name string) error {
	_, err := l.requestShutdown(name)
	if err != nil {
		return err
	}
	_, err = l.config.SetMemberStatus(name, teamconfig.StatusOffline, nil, nil)
	return err
}

func (l *Leader) requestShutdown(name string) (string, error) {
	requestID := newRequestID()
	now := time.Now().UTC()
	text, err := protocol.Encode(protocol.TypeShutdownRequest, protocol.ShutdownRequest{
		RequestID: requestID,
		From:      l.cfg.LeadName,
		Timestamp: &now,
	})
	if err != nil {
		return "", err
	}
	if err := l.mail.WriteToMailbox(teamNS, name, mailboxMessage(l.cfg.LeadName, text)); err != nil {
		return "", err
	}
	return requestID, nil
}

func (l *Leader) memberHasInProgressTask(name string) (bool, error) {
	tasks, err := l.tasks.ListTasks()
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Owner == name && t.Status == teamtask.StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}
