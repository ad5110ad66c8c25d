package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/dohr-michael/pi-teams/internal/mailbox"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
)

// planPreviewLimit truncates a plan before surfacing it to the UI
// collaborator.
const planPreviewLimit = 500

// pollInbox pops the lead's team-namespace inbox and dispatches each
// message. Single-flighted so a slow dispatch never overlaps itself.
func (l *Leader) pollInbox(ctx context.Context) {
	_, _, _ = l.inboxGroup.Do("inbox", func() (any, error) {
		messages, err := l.mail.PopUnreadMessages(teamNS, l.cfg.LeadName)
		if err != nil {
			l.log.Warn("leader: pop lead inbox failed", "error", err)
			return nil, nil
		}
		for _, msg := range messages {
			l.dispatch(ctx, msg)
		}
		return nil, nil
	})
}

func (l *Leader) dispatch(ctx context.Context, msg mailbox.Message) {
	decoded, ok := protocol.Decode(msg.Text)
	if !ok {
		l.notify.Notify(fmt.Sprintf("Message from %s: %s", msg.From, msg.Text))
		return
	}

	switch payload := decoded.Payload.(type) {
	case protocol.ShutdownApproved:
		l.handleShutdownApproved(payload)
	case protocol.ShutdownRejected:
		l.handleShutdownRejected(payload)
	case protocol.PlanApprovalRequest:
		l.handlePlanApprovalRequest(payload)
	case protocol.PeerDMSent:
		l.notify.Notify(fmt.Sprintf("%s -> %s: %s", payload.From, payload.To, payload.Summary))
	case protocol.IdleNotification:
		l.handleIdleNotification(ctx, payload)
	default:
		l.notify.Notify(fmt.Sprintf("Message from %s: %s", msg.From, msg.Text))
	}
}

func (l *Leader) handleShutdownApproved(payload protocol.ShutdownApproved) {
	l.cancelShutdownFallback(payload.From)
	if _, err := l.config.UpsertMember(teamconfig.TeamMember{Name: payload.From, Role: teamconfig.RoleWorker, Status: teamconfig.StatusOffline}); err != nil {
		l.log.Warn("leader: upsert on shutdown_approved failed", "from", payload.From, "error", err)
	}
	if _, err := l.config.SetMemberStatus(payload.From, teamconfig.StatusOffline, timePtr(time.Now().UTC()), map[string]any{
		"shutdownApprovedRequestId": payload.RequestID,
	}); err != nil {
		l.log.Warn("leader: set offline on shutdown_approved failed", "from", payload.From, "error", err)
	}
}

func (l *Leader) handleShutdownRejected(payload protocol.ShutdownRejected) {
	l.cancelShutdownFallback(payload.From)
	if _, err := l.config.SetMemberStatus(payload.From, teamconfig.StatusOnline, nil, map[string]any{
		"rejectedRequestId": payload.RequestID,
		"rejectionReason":   payload.Reason,
	}); err != nil {
		l.log.Warn("leader: set online on shutdown_rejected failed", "from", payload.From, "error", err)
	}
}

func (l *Leader) handlePlanApprovalRequest(payload protocol.PlanApprovalRequest) {
	l.mu.Lock()
	l.pendingPlanApprovals[payload.From] = payload
	l.mu.Unlock()

	preview := payload.Plan
	if len(preview) > planPreviewLimit {
		preview = preview[:planPreviewLimit]
	}
	l.notify.Notify(fmt.Sprintf("%s requests plan approval: %s", payload.From, preview))
}

func (l *Leader) handleIdleNotification(ctx context.Context, payload protocol.IdleNotification) {
	if payload.FailureReason != "" {
		if _, err := l.config.UpsertMember(teamconfig.TeamMember{Name: payload.From, Role: teamconfig.RoleWorker, Status: teamconfig.StatusOffline}); err != nil {
			l.log.Warn("leader: upsert on idle failure failed", "from", payload.From, "error", err)
		}
		if _, err := l.config.SetMemberStatus(payload.From, teamconfig.StatusOffline, nil, map[string]any{
			"offlineReason": payload.FailureReason,
		}); err != nil {
			l.log.Warn("leader: set offline on idle failure failed", "from", payload.From, "error", err)
		}
		return
	}

	if _, err := l.config.SetMemberStatus(payload.From, teamconfig.StatusOnline, timePtr(time.Now().UTC()), nil); err != nil {
		l.log.Warn("leader: set online on idle failed", "from", payload.From, "error", err)
	}

	desired := desiredSessionName(l.cfg.Style, payload.From)
	l.mu.Lock()
	tm := l.teammates[payload.From]
	unchanged := l.sessionNames[payload.From] == desired
	if !unchanged {
		l.sessionNames[payload.From] = desired
	}
	l.mu.Unlock()
	if !unchanged {
		if tm != nil {
			if err := tm.Client.SetSessionName(ctx, desired); err != nil {
				l.log.Warn("leader: setSessionName failed", "from", payload.From, "error", err)
			}
		}
		if err := l.sendSetSessionName(payload.From); err != nil {
			l.log.Warn("leader: mailbox set_session_name failed", "from", payload.From, "error", err)
		}
	}

	if payload.CompletedTaskID != "" {
		l.notify.Notify(fmt.Sprintf("%s finished task #%s (%s)", payload.From, payload.CompletedTaskID, payload.CompletedStatus))
	}
}

// desiredSessionName synthesizes a session name from the team style and
// agent name.
func desiredSessionName(style, agentName string) string {
	if style == "" {
		style = "normal"
	}
	return fmt.Sprintf("%s-%s", style, agentName)
}

func (l *Leader) cancelShutdownFallback(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.shutdownFallbacks[name]; ok {
		t.Stop()
		delete(l.shutdownFallbacks, name)
	}
}
