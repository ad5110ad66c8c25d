package protocol

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload any
	}{
		{"idle", TypeIdleNotification, IdleNotification{From: "agent1", CompletedTaskID: "1", CompletedStatus: CompletedStatusCompleted}},
		{"shutdown_approved", TypeShutdownApproved, ShutdownApproved{From: "agent1", RequestID: "r1"}},
		{"shutdown_rejected", TypeShutdownRejected, ShutdownRejected{From: "agent1", RequestID: "r1", Reason: "busy"}},
		{"plan_request", TypePlanApprovalRequest, PlanApprovalRequest{RequestID: "r1", From: "agent1", Plan: "do the thing"}},
		{"peer_dm", TypePeerDMSent, PeerDMSent{From: "agent1", To: "agent2", Summary: "asked for help"}},
		{"task_assignment", TypeTaskAssignment, TaskAssignment{TaskID: "1", Subject: "subj"}},
		{"shutdown_request", TypeShutdownRequest, ShutdownRequest{RequestID: "r1", From: "lead"}},
		{"abort_request", TypeAbortRequest, AbortRequest{RequestID: "r1", TaskID: "1"}},
		{"set_session_name", TypeSetSessionName, SetSessionName{Name: "agent1-task-1"}},
		{"plan_approved", TypePlanApproved, PlanApproved{RequestID: "r1", From: "lead"}},
		{"plan_rejected", TypePlanRejected, PlanRejected{RequestID: "r1", From: "lead", Feedback: "no"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			text, err := Encode(c.typ, c.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, ok := Decode(text)
			if !ok {
				t.Fatalf("Decode failed to classify %q", text)
			}
			if decoded.Type != c.typ {
				t.Fatalf("Type = %q, want %q", decoded.Type, c.typ)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, ok := Decode(`{"type":"something_else"}`); ok {
		t.Fatal("expected unknown type to be unclassified")
	}
}

func TestDecodeMalformedJSONIsPlainDM(t *testing.T) {
	if _, ok := Decode("hello, this is just a chat message"); ok {
		t.Fatal("expected non-JSON text to be unclassified")
	}
}

func TestDecodeMissingRequiredFieldRejected(t *testing.T) {
	if _, ok := Decode(`{"type":"task_assignment"}`); ok {
		t.Fatal("expected task_assignment without taskId to be rejected")
	}
	if _, ok := Decode(`{"type":"shutdown_request"}`); ok {
		t.Fatal("expected shutdown_request without requestId to be rejected")
	}
}

func TestDecodeEmptyString(t *testing.T) {
	if _, ok := Decode(""); ok {
		t.Fatal("expected empty text to be unclassified")
	}
}
