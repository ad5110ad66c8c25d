// Package protocol decodes and encodes the tagged JSON messages carried
// inside MailboxMessage.text. Grounded on internal/events.Event's typed
// discriminant idiom in the teacher repo, adapted from an in-process
// event bus payload to wire messages exchanged over mailbox files.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the wire discriminant carried in every structured message's
// "type" field.
type Type string

const (
	TypeIdleNotification    Type = "idle_notification"
	TypeShutdownApproved    Type = "shutdown_approved"
	TypeShutdownRejected    Type = "shutdown_rejected"
	TypePlanApprovalRequest Type = "plan_approval_request"
	TypePeerDMSent          Type = "peer_dm_sent"
	TypeTaskAssignment      Type = "task_assignment"
	TypeShutdownRequest     Type = "shutdown_request"
	TypeAbortRequest        Type = "abort_request"
	TypeSetSessionName      Type = "set_session_name"
	TypePlanApproved        Type = "plan_approved"
	TypePlanRejected        Type = "plan_rejected"
)

// CompletedStatus is the outcome reported by an IdleNotification.
type CompletedStatus string

const (
	CompletedStatusCompleted CompletedStatus = "completed"
	CompletedStatusFailed    CompletedStatus = "failed"
)

// envelope is used only to sniff the discriminant before decoding the
// concrete payload.
type envelope struct {
	Type Type `json:"type"`
}

// Leader-bound messages.

type IdleNotification struct {
	From            string          `json:"from"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	CompletedTaskID string          `json:"completedTaskId,omitempty"`
	CompletedStatus CompletedStatus `json:"completedStatus,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
}

type ShutdownApproved struct {
	From      string     `json:"from"`
	RequestID string     `json:"requestId"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type ShutdownRejected struct {
	From      string     `json:"from"`
	RequestID string     `json:"requestId"`
	Reason    string     `json:"reason"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type PlanApprovalRequest struct {
	RequestID string     `json:"requestId"`
	From      string     `json:"from"`
	Plan      string     `json:"plan"`
	TaskID    string     `json:"taskId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type PeerDMSent struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Summary   string     `json:"summary"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Worker-bound messages.

type TaskAssignment struct {
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	AssignedBy  string `json:"assignedBy,omitempty"`
}

type ShutdownRequest struct {
	RequestID string     `json:"requestId"`
	From      string     `json:"from,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type AbortRequest struct {
	RequestID string     `json:"requestId"`
	From      string     `json:"from,omitempty"`
	TaskID    string     `json:"taskId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type SetSessionName struct {
	Name string `json:"name"`
}

type PlanApproved struct {
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

type PlanRejected struct {
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// Decoded wraps a successfully classified message together with its
// type, so callers can type-switch on Payload.
type Decoded struct {
	Type    Type
	Payload any
}

// Decode classifies raw mailbox text as a structured message. It
// returns (nil, false) for unknown or malformed payloads, which the
// caller should then treat as a plain DM.
func Decode(text string) (*Decoded, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.Type == "" {
		return nil, false
	}

	raw := []byte(text)
	switch env.Type {
	case TypeIdleNotification:
		var v IdleNotification
		if json.Unmarshal(raw, &v) != nil {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeShutdownApproved:
		var v ShutdownApproved
		if json.Unmarshal(raw, &v) != nil {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeShutdownRejected:
		var v ShutdownRejected
		if json.Unmarshal(raw, &v) != nil {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypePlanApprovalRequest:
		var v PlanApprovalRequest
		if json.Unmarshal(raw, &v) != nil {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypePeerDMSent:
		var v PeerDMSent
		if json.Unmarshal(raw, &v) != nil {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeTaskAssignment:
		var v TaskAssignment
		if json.Unmarshal(raw, &v) != nil || v.TaskID == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeShutdownRequest:
		var v ShutdownRequest
		if json.Unmarshal(raw, &v) != nil || v.RequestID == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeAbortRequest:
		var v AbortRequest
		if json.Unmarshal(raw, &v) != nil || v.RequestID == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypeSetSessionName:
		var v SetSessionName
		if json.Unmarshal(raw, &v) != nil || v.Name == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypePlanApproved:
		var v PlanApproved
		if json.Unmarshal(raw, &v) != nil || v.RequestID == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	case TypePlanRejected:
		var v PlanRejected
		if json.Unmarshal(raw, &v) != nil || v.RequestID == "" {
			return nil, false
		}
		return &Decoded{Type: env.Type, Payload: v}, true
	default:
		return nil, false
	}
}

// Encode marshals a message payload to its wire text form, adding t as
// the "type" field alongside the payload's own fields.
func Encode(t Type, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	// Stitch the discriminant in alongside the payload's own fields.
	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return "", err
	}
	merged["type"] = t
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
