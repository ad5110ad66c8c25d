package leader

import (
	"fmt"
	"time"

	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// ApprovePlan resolves name's pending plan_approval_request (recorded by
// handlePlanApprovalRequest) by mailboxing plan_approved back to it, so
// the worker's held-back turn proceeds.
func (l *Leader) ApprovePlan(name string) error {
	name = teamfs.Sanitize(name)
	req, ok := l.takePendingPlan(name)
	if !ok {
		return fmt.Errorf("leader: no pending plan approval for %q", name)
	}

	text, err := protocol.Encode(protocol.TypePlanApproved, protocol.PlanApproved{
		RequestID: req.RequestID,
		From:      l.cfg.LeadName,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return l.mail.WriteToMailbox(teamNS, name, mailboxMessage(l.cfg.LeadName, text))
}

// RejectPlan resolves name's pending plan_approval_request by mailboxing
// plan_rejected with feedback. The worker, on receiving it, releases its
// claimed task (if any) back to pending; this method touches no task.
func (l *Leader) RejectPlan(name, feedback string) error {
	name = teamfs.Sanitize(name)
	req, ok := l.takePendingPlan(name)
	if !ok {
		return fmt.Errorf("leader: no pending plan approval for %q", name)
	}

	text, err := protocol.Encode(protocol.TypePlanRejected, protocol.PlanRejected{
		RequestID: req.RequestID,
		From:      l.cfg.LeadName,
		Feedback:  feedback,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return l.mail.WriteToMailbox(teamNS, name, mailboxMessage(l.cfg.LeadName, text))
}

func (l *Leader) takePendingPlan(name string) (protocol.PlanApprovalRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pendingPlanApprovals[name]
	if ok {
		delete(l.pendingPlanApprovals, name)
	}
	return req, ok
}
