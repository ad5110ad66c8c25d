package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/pi-teams/internal/mailbox"
	"github.com/dohr-michael/pi-teams/internal/protocol"
	"github.com/dohr-michael/pi-teams/internal/teamconfig"
	"github.com/dohr-michael/pi-teams/internal/teamtask"
)

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
			w.mu.Lock()
			stop := w.pollAbort || w.shutdownInProgress
			w.mu.Unlock()
			if stop {
				return
			}
		}
	}
}

// pollOnce pops both the team-namespace and task-list-namespace inboxes
// and processes every message in arrival order.
func (w *Worker) pollOnce(ctx context.Context) {
	teamMsgs, err := w.mail.PopUnreadMessages(teamNS, w.cfg.AgentName)
	if err != nil {
		w.log.Warn("worker: poll team inbox failed", "error", err)
		teamMsgs = nil
	}
	taskMsgs, err := w.mail.PopUnreadMessages(w.cfg.TaskListID, w.cfg.AgentName)
	if err != nil {
		w.log.Warn("worker: poll task-list inbox failed", "error", err)
		taskMsgs = nil
	}

	all := append(append([]mailbox.Message{}, teamMsgs...), taskMsgs...)
	for _, msg := range all {
		if w.handleMessage(ctx, msg) {
			// shutdown_request processed: stop handling further messages
			// this tick and let the poll loop exit.
			return
		}
	}

	w.maybeStartNextWork(ctx)
}

// handleMessage processes one popped message and returns true if it
// triggered a shutdown, in which case the caller must stop processing
// the rest of the batch immediately.
func (w *Worker) handleMessage(ctx context.Context, msg mailbox.Message) bool {
	decoded, ok := protocol.Decode(msg.Text)
	if !ok {
		w.mu.Lock()
		w.pendingDMTexts = append(w.pendingDMTexts, msg.Text)
		w.mu.Unlock()
		return false
	}

	switch payload := decoded.Payload.(type) {
	case protocol.ShutdownRequest:
		return w.handleShutdownRequest(ctx, payload)
	case protocol.SetSessionName:
		w.handleSetSessionName(ctx, payload)
	case protocol.AbortRequest:
		w.handleAbortRequest(ctx, payload)
	case protocol.TaskAssignment:
		w.mu.Lock()
		w.pendingTaskAssignments = append(w.pendingTaskAssignments, payload.TaskID)
		w.mu.Unlock()
	case protocol.PlanApproved:
		w.handlePlanApproved(ctx, payload)
	case protocol.PlanRejected:
		w.handlePlanRejected(ctx, payload)
	default:
		w.mu.Lock()
		w.pendingDMTexts = append(w.pendingDMTexts, msg.Text)
		w.mu.Unlock()
	}
	return false
}

func (w *Worker) handleShutdownRequest(ctx context.Context, req protocol.ShutdownRequest) bool {
	w.mu.Lock()
	if _, seen := w.seenShutdownRequestIDs[req.RequestID]; seen {
		w.mu.Unlock()
		return false
	}
	w.seenShutdownRequestIDs[req.RequestID] = struct{}{}
	w.shutdownInProgress = true
	w.mu.Unlock()

	now := time.Now().UTC()
	approval := protocol.ShutdownApproved{From: w.cfg.AgentName, RequestID: req.RequestID, Timestamp: &now}
	text, err := protocol.Encode(protocol.TypeShutdownApproved, approval)
	if err == nil {
		if err := w.mail.WriteToMailbox(teamNS, w.cfg.LeadName, mailbox.Message{From: w.cfg.AgentName, Text: text}); err != nil {
			w.log.Warn("worker: post shutdown_approved failed", "error", err)
		}
	}

	if _, err := w.tasks.UnassignTasksForAgent(w.cfg.AgentName, "shutdown_request"); err != nil {
		w.log.Warn("worker: unassign on shutdown_request failed", "error", err)
	}
	if _, err := w.config.SetMemberStatus(w.cfg.AgentName, teamconfig.StatusOffline, timePtr(time.Now().UTC()), nil); err != nil {
		w.log.Warn("worker: mark offline on shutdown_request failed", "error", err)
	}
	if err := w.host.Abort(ctx); err != nil {
		w.log.Warn("worker: abort on shutdown_request failed", "error", err)
	}

	w.mu.Lock()
	w.pollAbort = true
	w.mu.Unlock()
	return true
}

// handleSetSessionName applies a renamed session cosmetically only if
// the current name is empty or already one this worker itself set.
// AgentHost exposes no way to read back the runtime's actual current
// name, so "managed" is tracked locally rather than queried; a foreign
// rename applied outside this protocol would go undetected.
func (w *Worker) handleSetSessionName(ctx context.Context, payload protocol.SetSessionName) {
	w.mu.Lock()
	if w.sessionName == payload.Name {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.host.SetSessionName(ctx, payload.Name); err != nil {
		w.log.Warn("worker: set_session_name failed", "error", err)
		return
	}
	w.mu.Lock()
	w.sessionName = payload.Name
	w.mu.Unlock()
}

// handlePlanApproved releases a turn held back by cfg.PlanRequired,
// sending its prompt to the host now that the lead has approved it.
func (w *Worker) handlePlanApproved(ctx context.Context, payload protocol.PlanApproved) {
	w.mu.Lock()
	pending := w.pendingPlan
	if pending == nil || pending.RequestID != payload.RequestID {
		w.mu.Unlock()
		return
	}
	w.pendingPlan = nil
	w.mu.Unlock()

	if err := w.host.Send(ctx, pending.Prompt); err != nil {
		w.log.Warn("worker: send approved prompt failed", "taskId", pending.TaskID, "error", err)
	}
}

// handlePlanRejected discards a turn held back by cfg.PlanRequired,
// releasing any claimed task back to pending and resuming the decision
// loop.
func (w *Worker) handlePlanRejected(ctx context.Context, payload protocol.PlanRejected) {
	w.mu.Lock()
	pending := w.pendingPlan
	if pending == nil || pending.RequestID != payload.RequestID {
		w.mu.Unlock()
		return
	}
	w.pendingPlan = nil
	w.streaming = false
	w.currentTaskID = ""
	w.mu.Unlock()

	if pending.TaskID != "" {
		if _, err := w.tasks.UnassignTask(pending.TaskID, w.cfg.AgentName, "plan_rejected", map[string]any{
			"planRejectionFeedback": payload.Feedback,
		}); err != nil {
			w.log.Warn("worker: unassign on plan_rejected failed", "taskId", pending.TaskID, "error", err)
		}
	}
	w.maybeStartNextWork(ctx)
}

// beginTurn sends prompt to the host directly, unless cfg.PlanRequired
// is set, in which case it instead posts a plan_approval_request to the
// lead and holds the prompt until a matching plan_approved/plan_rejected
// arrives (handlePlanApproved/handlePlanRejected).
func (w *Worker) beginTurn(ctx context.Context, taskID, prompt string) {
	if !w.cfg.PlanRequired {
		if err := w.host.Send(ctx, prompt); err != nil {
			w.log.Warn("worker: send prompt failed", "taskId", taskID, "error", err)
		}
		return
	}

	requestID := uuid.NewString()
	w.mu.Lock()
	w.pendingPlan = &pendingPlanState{RequestID: requestID, TaskID: taskID, Prompt: prompt}
	w.mu.Unlock()

	now := time.Now().UTC()
	text, err := protocol.Encode(protocol.TypePlanApprovalRequest, protocol.PlanApprovalRequest{
		RequestID: requestID,
		From:      w.cfg.AgentName,
		Plan:      prompt,
		TaskID:    taskID,
		Timestamp: &now,
	})
	if err != nil {
		w.log.Warn("worker: encode plan_approval_request failed", "error", err)
		return
	}
	if err := w.mail.WriteToMailbox(teamNS, w.cfg.LeadName, mailbox.Message{From: w.cfg.AgentName, Text: text}); err != nil {
		w.log.Warn("worker: post plan_approval_request failed", "error", err)
	}
}

func (w *Worker) handleAbortRequest(ctx context.Context, req protocol.AbortRequest) {
	w.mu.Lock()
	if _, seen := w.seenAbortRequestIDs[req.RequestID]; seen {
		w.mu.Unlock()
		return
	}
	targeted := req.TaskID == "" || req.TaskID == w.currentTaskID
	if !targeted {
		w.mu.Unlock()
		return
	}
	w.seenAbortRequestIDs[req.RequestID] = struct{}{}
	w.abort = &abortState{TaskID: req.TaskID, Reason: req.Reason, RequestID: req.RequestID}
	w.mu.Unlock()

	if err := w.host.Abort(ctx); err != nil {
		w.log.Warn("worker: abort request failed", "error", err)
	}
}

// maybeStartNextWork is single-flight via isDeciding: only one decision
// runs at a time, and it is skipped entirely while streaming, already
// working a task, or shutting down.
func (w *Worker) maybeStartNextWork(ctx context.Context) {
	w.mu.Lock()
	if w.streaming || w.currentTaskID != "" || w.shutdownInProgress || w.isDeciding {
		w.mu.Unlock()
		return
	}
	w.isDeciding = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.isDeciding = false
		w.mu.Unlock()
	}()

	if w.tryStartAssignedTask(ctx) {
		return
	}
	if w.tryStartPendingDMs(ctx) {
		return
	}
	if w.cfg.AutoClaim {
		w.tryAutoClaim(ctx)
	}
}

func (w *Worker) tryStartAssignedTask(ctx context.Context) bool {
	for {
		w.mu.Lock()
		if len(w.pendingTaskAssignments) == 0 {
			w.mu.Unlock()
			return false
		}
		taskID := w.pendingTaskAssignments[0]
		w.pendingTaskAssignments = w.pendingTaskAssignments[1:]
		w.mu.Unlock()

		task, err := w.tasks.GetTask(taskID)
		if err != nil {
			w.log.Warn("worker: get assigned task failed", "taskId", taskID, "error", err)
			continue
		}
		if task == nil || task.Owner != w.cfg.AgentName || task.Status == teamtask.StatusCompleted {
			continue
		}

		blocked, err := w.tasks.IsTaskBlocked(task)
		if err != nil {
			w.log.Warn("worker: check blocked failed", "taskId", taskID, "error", err)
			continue
		}
		if blocked {
			w.mu.Lock()
			w.pendingTaskAssignments = append(w.pendingTaskAssignments, taskID)
			w.mu.Unlock()
			continue
		}

		if task.Status == teamtask.StatusPending {
			started, err := w.tasks.StartAssignedTask(task.ID, w.cfg.AgentName)
			if err != nil {
				w.log.Warn("worker: startAssignedTask failed", "taskId", taskID, "error", err)
				continue
			}
			if started != nil {
				task = started
			}
		}

		w.mu.Lock()
		w.currentTaskID = task.ID
		w.streaming = true
		w.mu.Unlock()

		prompt := taskPrompt(w.cfg.AgentName, task.ID, task.Subject, task.Description)
		w.beginTurn(ctx, task.ID, prompt)
		return true
	}
}

func (w *Worker) tryStartPendingDMs(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.pendingDMTexts) == 0 {
		w.mu.Unlock()
		return false
	}
	texts := w.pendingDMTexts
	w.pendingDMTexts = nil
	w.streaming = true
	w.mu.Unlock()

	w.beginTurn(ctx, "", dmPrompt(texts))
	return true
}

func (w *Worker) tryAutoClaim(ctx context.Context) bool {
	task, err := w.tasks.ClaimNextAvailableTask(w.cfg.AgentName, true)
	if err != nil {
		w.log.Warn("worker: claimNextAvailableTask failed", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	w.mu.Lock()
	w.currentTaskID = task.ID
	w.streaming = true
	w.mu.Unlock()

	prompt := taskPrompt(w.cfg.AgentName, task.ID, task.Subject, task.Description)
	w.beginTurn(ctx, task.ID, prompt)
	return true
}

// handleAgentEnd reconciles task state when the local agent turn ends.
func (w *Worker) handleAgentEnd(ctx context.Context) {
	w.mu.Lock()
	w.streaming = false
	taskID := w.currentTaskID
	ab := w.abort
	w.abort = nil
	w.currentTaskID = ""
	w.mu.Unlock()

	if taskID == "" {
		w.maybeStartNextWork(ctx)
		return
	}

	lastText := w.host.LastAssistantText()
	aborted := ab != nil
	empty := lastText == ""

	completedStatus := protocol.CompletedStatusCompleted
	if aborted || empty {
		completedStatus = protocol.CompletedStatusFailed
		extra := map[string]any{
			"abortedAt": time.Now().UTC().Format(time.RFC3339Nano),
			"abortedBy": w.cfg.AgentName,
		}
		reason := ""
		requestID := ""
		if ab != nil {
			reason = ab.Reason
			requestID = ab.RequestID
		}
		if reason != "" {
			extra["abortReason"] = reason
		}
		if requestID != "" {
			extra["abortRequestId"] = requestID
		}
		if lastText != "" {
			extra["partialResult"] = lastText
		}
		if _, err := w.tasks.UpdateTask(taskID, func(t *teamtask.Task) error {
			t.Owner = w.cfg.AgentName
			t.Status = teamtask.StatusPending
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			for k, v := range extra {
				t.Metadata[k] = v
			}
			return nil
		}); err != nil {
			w.log.Warn("worker: record aborted task failed", "taskId", taskID, "error", err)
		}
	} else {
		if _, err := w.tasks.CompleteTask(taskID, w.cfg.AgentName, lastText); err != nil {
			w.log.Warn("worker: completeTask failed", "taskId", taskID, "error", err)
		}
	}

	w.maybeStartNextWork(ctx)

	w.mu.Lock()
	idle := !w.streaming && w.currentTaskID == ""
	w.mu.Unlock()
	if idle {
		w.postIdleNotification(ctx, taskID, completedStatus, "")
	}
}
