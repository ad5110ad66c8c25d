package teamconfig

import (
	"testing"
	"time"

	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	layout := teamfs.New(t.TempDir(), "T1")
	return New(layout)
}

func TestEnsureTeamConfigSeedsLead(t *testing.T) {
	s := newStore(t)

	cfg, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "Alice Lead", LeadCwd: "/work"})
	if err != nil {
		t.Fatalf("EnsureTeamConfig: %v", err)
	}
	if cfg.LeadName != "Alice-Lead" {
		t.Fatalf("LeadName = %q, want sanitized", cfg.LeadName)
	}
	if cfg.TaskListID != "T1" {
		t.Fatalf("TaskListID defaults to TeamID, got %q", cfg.TaskListID)
	}
	if cfg.Style != DefaultStyle {
		t.Fatalf("Style = %q, want %q", cfg.Style, DefaultStyle)
	}
	if len(cfg.Members) != 1 || cfg.Members[0].Role != RoleLead || cfg.Members[0].Status != StatusOnline {
		t.Fatalf("expected single online lead member, got %+v", cfg.Members)
	}

	again, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "Someone Else"})
	if err != nil {
		t.Fatalf("EnsureTeamConfig (idempotent): %v", err)
	}
	if again.LeadName != "Alice-Lead" {
		t.Fatalf("second EnsureTeamConfig must not overwrite existing config, got %q", again.LeadName)
	}
}

func TestUpsertMemberPreservesAddedAt(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "lead"}); err != nil {
		t.Fatalf("EnsureTeamConfig: %v", err)
	}

	cfg, err := s.UpsertMember(TeamMember{Name: "worker one", Role: RoleWorker, Status: StatusOnline})
	if err != nil {
		t.Fatalf("UpsertMember (insert): %v", err)
	}
	var addedAt time.Time
	for _, m := range cfg.Members {
		if m.Name == "worker-one" {
			addedAt = m.AddedAt
		}
	}
	if addedAt.IsZero() {
		t.Fatal("expected worker-one to be present after insert")
	}

	time.Sleep(5 * time.Millisecond)
	cfg, err = s.UpsertMember(TeamMember{Name: "worker one", Role: RoleWorker, Status: StatusOffline})
	if err != nil {
		t.Fatalf("UpsertMember (update): %v", err)
	}
	for _, m := range cfg.Members {
		if m.Name == "worker-one" {
			if m.Status != StatusOffline {
				t.Fatalf("status not updated, got %q", m.Status)
			}
			if !m.AddedAt.Equal(addedAt) {
				t.Fatalf("AddedAt changed on update: %v vs %v", m.AddedAt, addedAt)
			}
		}
	}
}

func TestSetMemberStatusMergesMeta(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "lead"}); err != nil {
		t.Fatalf("EnsureTeamConfig: %v", err)
	}

	cfg, err := s.SetMemberStatus("lead", StatusOffline, nil, map[string]any{"reason": "shutdown"})
	if err != nil {
		t.Fatalf("SetMemberStatus: %v", err)
	}
	if cfg.Members[0].Status != StatusOffline {
		t.Fatalf("status = %q, want offline", cfg.Members[0].Status)
	}
	if cfg.Members[0].Meta["reason"] != "shutdown" {
		t.Fatalf("meta not merged: %+v", cfg.Members[0].Meta)
	}
}

func TestSetMemberStatusUnknownMember(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "lead"}); err != nil {
		t.Fatalf("EnsureTeamConfig: %v", err)
	}
	if _, err := s.SetMemberStatus("ghost", StatusOnline, nil, nil); err == nil {
		t.Fatal("expected error for unknown member")
	}
}

func TestSetTeamStyle(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureTeamConfig(Init{TeamID: "T1", LeadName: "lead"}); err != nil {
		t.Fatalf("EnsureTeamConfig: %v", err)
	}

	cfg, err := s.SetTeamStyle("concise")
	if err != nil {
		t.Fatalf("SetTeamStyle: %v", err)
	}
	if cfg.Style != "concise" {
		t.Fatalf("Style = %q, want concise", cfg.Style)
	}

	cfg, err = s.SetTeamStyle("")
	if err != nil {
		t.Fatalf("SetTeamStyle (reset): %v", err)
	}
	if cfg.Style != DefaultStyle {
		t.Fatalf("Style = %q, want default after reset", cfg.Style)
	}
}

func TestReadReturnsNilWhenMissing(t *testing.T) {
	s := newStore(t)
	cfg, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}
