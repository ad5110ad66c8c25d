package teamtask

import (
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "tasks", "T1"))
}

func TestCreateGetListTasks(t *testing.T) {
	s := newTestStore(t)

	t1, err := s.CreateTask("Write tests\nmore detail", "Write unit tests", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if t1.ID != "1" {
		t.Fatalf("ID = %q, want 1", t1.ID)
	}
	if t1.Subject != "Write tests" {
		t.Fatalf("Subject = %q, want first line only", t1.Subject)
	}
	if t1.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", t1.Status)
	}

	t2, err := s.CreateTask("Second", "desc", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if t2.ID != "2" {
		t.Fatalf("ID = %q, want 2", t2.ID)
	}

	got, err := s.GetTask("1")
	if err != nil || got == nil || got.ID != "1" {
		t.Fatalf("GetTask(1) = %+v, %v", got, err)
	}

	if missing, err := s.GetTask("999"); err != nil || missing != nil {
		t.Fatalf("GetTask(missing) = %+v, %v", missing, err)
	}

	list, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 2 || list[0].ID != "1" || list[1].ID != "2" {
		t.Fatalf("ListTasks order = %+v", list)
	}
}

func TestClaimTaskMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask("subject", "desc", "")

	claimed, err := s.ClaimTask(task.ID, "agent1", false)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed == nil || claimed.Owner != "agent1" || claimed.Status != StatusInProgress {
		t.Fatalf("expected claim to succeed, got %+v", claimed)
	}

	again, err := s.ClaimTask(task.ID, "agent2", false)
	if err != nil {
		t.Fatalf("ClaimTask (second): %v", err)
	}
	if again != nil {
		t.Fatalf("expected second claim to fail silently, got %+v", again)
	}
}

// TestConcurrentCreateTaskIDsAreUniqueAndMonotonic mirrors property 1: N
// concurrent creators must see strictly increasing decimal ids starting at 1,
// with no gaps and no duplicates.
func TestConcurrentCreateTaskIDsAreUniqueAndMonotonic(t *testing.T) {
	s := newTestStore(t)
	const n = 20

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := s.CreateTask("subject", "desc", "")
			if err != nil {
				t.Errorf("CreateTask: %v", err)
				return
			}
			ids[i] = task.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" {
			t.Fatal("expected every CreateTask call to return an id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %q across concurrent CreateTask calls", id)
		}
		seen[id] = true
	}
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		if !seen[id] {
			t.Fatalf("expected id %q among %v", id, ids)
		}
	}
}

// TestConcurrentClaimTaskMutualExclusion mirrors property 2: when many
// callers race to claim the same unowned task, exactly one succeeds.
func TestConcurrentClaimTaskMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask("subject", "desc", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	const n = 20

	var wins int32
	var mu sync.Mutex
	var winner string
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		agent := "agent" + strconv.Itoa(i)
		go func(agent string) {
			defer wg.Done()
			claimed, err := s.ClaimTask(task.ID, agent, false)
			if err != nil {
				t.Errorf("ClaimTask: %v", err)
				return
			}
			if claimed != nil {
				mu.Lock()
				wins++
				winner = agent
				mu.Unlock()
			}
		}(agent)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}

	final, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Owner != winner || final.Status != StatusInProgress {
		t.Fatalf("expected task owned by %q and in_progress, got %+v", winner, final)
	}
}

func TestClaimTaskCheckBusy(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask("one", "d", "")
	t2, _ := s.CreateTask("two", "d", "")

	if _, err := s.ClaimTask(t1.ID, "agent1", false); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	blocked, err := s.ClaimTask(t2.ID, "agent1", true)
	if err != nil {
		t.Fatalf("ClaimTask (checkBusy): %v", err)
	}
	if blocked != nil {
		t.Fatalf("expected claim to be refused while agent busy, got %+v", blocked)
	}
}

func TestStartCompleteUnassign(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask("subject", "desc", "agent1")

	started, err := s.StartAssignedTask(task.ID, "agent1")
	if err != nil || started == nil || started.Status != StatusInProgress {
		t.Fatalf("StartAssignedTask: %+v, %v", started, err)
	}

	if noop, err := s.StartAssignedTask(task.ID, "agent2"); err != nil || noop != nil {
		t.Fatalf("StartAssignedTask by wrong agent should no-op, got %+v, %v", noop, err)
	}

	completed, err := s.CompleteTask(task.ID, "agent1", map[string]any{"summary": "done"})
	if err != nil || completed == nil || completed.Status != StatusCompleted {
		t.Fatalf("CompleteTask: %+v, %v", completed, err)
	}
	if completed.Metadata["completedAt"] == nil {
		t.Fatal("expected completedAt metadata")
	}

	if noop, err := s.CompleteTask(task.ID, "agent1", nil); err != nil || noop != nil {
		t.Fatalf("CompleteTask on already-completed should no-op, got %+v, %v", noop, err)
	}
}

func TestUnassignTaskAndForAgent(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask("one", "d", "")
	t2, _ := s.CreateTask("two", "d", "")
	s.ClaimTask(t1.ID, "agent1", false)
	s.ClaimTask(t2.ID, "agent1", false)

	unassigned, err := s.UnassignTask(t1.ID, "agent1", "paused", nil)
	if err != nil || unassigned == nil || unassigned.Owner != "" || unassigned.Status != StatusPending {
		t.Fatalf("UnassignTask: %+v, %v", unassigned, err)
	}
	if unassigned.Metadata["unassignReason"] != "paused" {
		t.Fatalf("expected unassignReason metadata, got %+v", unassigned.Metadata)
	}

	s.ClaimTask(t1.ID, "agent2", false)
	count, err := s.UnassignTasksForAgent("agent2", "shutdown")
	if err != nil {
		t.Fatalf("UnassignTasksForAgent: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestDependenciesAndBlocking(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask("one", "d", "")
	t2, _ := s.CreateTask("two", "d", "")

	if err := s.AddTaskDependency(t2.ID, t1.ID); err != nil {
		t.Fatalf("AddTaskDependency: %v", err)
	}

	got2, _ := s.GetTask(t2.ID)
	if !containsString(got2.BlockedBy, t1.ID) {
		t.Fatalf("expected %s.blockedBy to contain %s, got %v", t2.ID, t1.ID, got2.BlockedBy)
	}
	got1, _ := s.GetTask(t1.ID)
	if !containsString(got1.Blocks, t2.ID) {
		t.Fatalf("expected %s.blocks to contain %s, got %v", t1.ID, t2.ID, got1.Blocks)
	}

	blocked, err := s.IsTaskBlocked(got2)
	if err != nil || !blocked {
		t.Fatalf("expected %s to be blocked, got %v, %v", t2.ID, blocked, err)
	}

	if err := s.AddTaskDependency(t1.ID, t1.ID); err == nil {
		t.Fatal("expected self-dependency to be rejected")
	}

	if err := s.RemoveTaskDependency(t2.ID, t1.ID); err != nil {
		t.Fatalf("RemoveTaskDependency: %v", err)
	}
	got2, _ = s.GetTask(t2.ID)
	blocked, _ = s.IsTaskBlocked(got2)
	if blocked {
		t.Fatalf("expected %s to be unblocked after dependency removal", t2.ID)
	}
}

func TestClaimNextAvailableTaskSkipsBlocked(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask("one", "d", "")
	t2, _ := s.CreateTask("two", "d", "")
	if err := s.AddTaskDependency(t2.ID, t1.ID); err != nil {
		t.Fatalf("AddTaskDependency: %v", err)
	}

	claimed, err := s.ClaimNextAvailableTask("agent1", false)
	if err != nil {
		t.Fatalf("ClaimNextAvailableTask: %v", err)
	}
	if claimed == nil || claimed.ID != t1.ID {
		t.Fatalf("expected to claim %s first, got %+v", t1.ID, claimed)
	}

	none, err := s.ClaimNextAvailableTask("agent2", false)
	if err != nil {
		t.Fatalf("ClaimNextAvailableTask (second): %v", err)
	}
	if none != nil {
		t.Fatalf("expected no available task while %s is blocked, got %+v", t2.ID, none)
	}

	s.CompleteTask(t1.ID, "agent1", nil)
	claimed2, err := s.ClaimNextAvailableTask("agent2", false)
	if err != nil {
		t.Fatalf("ClaimNextAvailableTask (after unblock): %v", err)
	}
	if claimed2 == nil || claimed2.ID != t2.ID {
		t.Fatalf("expected to claim %s once unblocked, got %+v", t2.ID, claimed2)
	}
}

func TestClearTasks(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask("one", "d", "")
	t2, _ := s.CreateTask("two", "d", "")
	s.ClaimTask(t1.ID, "agent1", false)
	s.CompleteTask(t1.ID, "agent1", nil)

	result, err := s.ClearTasks(ClearCompleted)
	if err != nil {
		t.Fatalf("ClearTasks: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != t1.ID {
		t.Fatalf("Deleted = %v, want [%s]", result.Deleted, t1.ID)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != t2.ID {
		t.Fatalf("Skipped = %v, want [%s]", result.Skipped, t2.ID)
	}

	if _, err := s.GetTask(t1.ID); err != nil {
		t.Fatalf("GetTask after clear: %v", err)
	}
	remaining, _ := s.GetTask(t1.ID)
	if remaining != nil {
		t.Fatalf("expected %s to be deleted, still present: %+v", t1.ID, remaining)
	}

	all, err := s.ClearTasks(ClearAll)
	if err != nil {
		t.Fatalf("ClearTasks(all): %v", err)
	}
	if len(all.Deleted) != 1 || all.Deleted[0] != t2.ID {
		t.Fatalf("Deleted = %v, want [%s]", all.Deleted, t2.ID)
	}
}
