package teamtask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/pi-teams/internal/filelock"
	"github.com/dohr-michael/pi-teams/internal/jsonstore"
)

// Store is the task list rooted at one <teamDir>/tasks/<taskListId>/
// directory.
type Store struct {
	dir string
}

// NewStore returns a Store backed by dir, creating it lazily on first
// write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) highwaterPath() string {
	return filepath.Join(s.dir, ".highwatermark")
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

func (s *Store) lockPath(id string) string {
	return s.taskPath(id) + ".lock"
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

// nextID allocates the next gap-free task id under the highwater lock.
func (s *Store) nextID() (string, error) {
	if err := jsonstore.EnsureDir(s.dir); err != nil {
		return "", err
	}
	path := s.highwaterPath()
	return filelock.WithLock(path+".lock", filelock.Options{Label: "highwater"}, func() (string, error) {
		n := jsonstore.ReadCounter(path)
		n++
		if err := jsonstore.WriteCounter(path, n); err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	})
}

// CreateTask allocates an id and writes a new pending task.
func (s *Store) CreateTask(subject, description, owner string) (*Task, error) {
	id, err := s.nextID()
	if err != nil {
		return nil, fmt.Errorf("allocate task id: %w", err)
	}
	task := newTask(id, subject, description, owner)
	if owner != "" {
		task.Status = StatusPending
	}
	if err := s.writeTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns the task or nil if it does not exist or fails to parse.
func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	ok, err := jsonstore.ReadJSON(s.taskPath(id), &t)
	if err != nil || !ok {
		return nil, nil
	}
	return &t, nil
}

// RequireTask is GetTask with ErrNotFound in place of a silent nil, for
// callers that treat a missing id as a request error
// rather than an ordinary race outcome.
func (s *Store) RequireTask(id string) (*Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// ListTasks returns every parseable task, sorted by numeric id.
func (s *Store) ListTasks() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task dir %s: %w", s.dir, err)
	}

	var tasks []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var t Task
		ok, err := jsonstore.ReadJSON(filepath.Join(s.dir, name), &t)
		if err != nil || !ok {
			continue
		}
		tasks = append(tasks, &t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		ni, erri := strconv.Atoi(tasks[i].ID)
		nj, errj := strconv.Atoi(tasks[j].ID)
		if erri == nil && errj == nil {
			return ni < nj
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// UpdateTask applies fn to the current snapshot of task id under its
// per-task lock, stamps updatedAt, and writes the result back.
func (s *Store) UpdateTask(id string, fn func(*Task) error) (*Task, error) {
	return filelock.WithLock(s.lockPath(id), filelock.Options{Label: "task:" + id}, func() (*Task, error) {
		task, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, fmt.Errorf("task %s does not exist", id)
		}
		if err := fn(task); err != nil {
			return nil, err
		}
		task.UpdatedAt = time.Now().UTC()
		if err := s.writeTask(task); err != nil {
			return nil, err
		}
		return task, nil
	})
}

// ClaimTask assigns an unowned pending task to agent.
func (s *Store) ClaimTask(id, agent string, checkBusy bool) (*Task, error) {
	if checkBusy {
		busy, err := s.agentHasInProgress(agent)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, nil
		}
	}
	return noopOnPrecondition(s.UpdateTask(id, func(t *Task) error {
		if t.Status != StatusPending || t.Owner != "" {
			return errNotClaimable
		}
		t.Owner = agent
		t.Status = StatusInProgress
		return nil
	}))
}

// StartAssignedTask transitions a task the agent already owns from
// pending to in_progress.
func (s *Store) StartAssignedTask(id, agent string) (*Task, error) {
	return noopOnPrecondition(s.UpdateTask(id, func(t *Task) error {
		if t.Owner != agent || t.Status != StatusPending {
			return errPreconditionFailed
		}
		t.Status = StatusInProgress
		return nil
	}))
}

// CompleteTask marks a task owned by agent as completed, recording an
// optional result and a completedAt metadata timestamp.
func (s *Store) CompleteTask(id, agent string, result any) (*Task, error) {
	return noopOnPrecondition(s.UpdateTask(id, func(t *Task) error {
		if t.Owner != agent || t.Status == StatusCompleted {
			return errPreconditionFailed
		}
		t.Status = StatusCompleted
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["completedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
		if result != nil {
			t.Metadata["result"] = result
		}
		return nil
	}))
}

// UnassignTask clears ownership of a task owned by agent, returning it
// to pending and annotating metadata with reason/extra.
func (s *Store) UnassignTask(id, agent, reason string, extra map[string]any) (*Task, error) {
	return noopOnPrecondition(s.UpdateTask(id, func(t *Task) error {
		if t.Owner != agent || t.Status == StatusCompleted {
			return errPreconditionFailed
		}
		t.Owner = ""
		t.Status = StatusPending
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		if reason != "" {
			t.Metadata["unassignReason"] = reason
		}
		for k, v := range extra {
			t.Metadata[k] = v
		}
		return nil
	}))
}

// UnassignTasksForAgent unassigns every non-completed task currently
// owned by agent, returning the count affected.
func (s *Store) UnassignTasksForAgent(agent, reason string) (int, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range tasks {
		if t.Owner != agent || t.Status == StatusCompleted {
			continue
		}
		updated, err := s.UnassignTask(t.ID, agent, reason, nil)
		if err != nil {
			return count, err
		}
		if updated != nil {
			count++
		}
	}
	return count, nil
}

// IsTaskBlocked reports whether any of task's blockedBy ids is missing
// or not yet completed.
func (s *Store) IsTaskBlocked(task *Task) (bool, error) {
	for _, depID := range task.BlockedBy {
		dep, err := s.GetTask(depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// ClaimNextAvailableTask scans tasks in id order and claims the first
// pending, unowned, unblocked one.
func (s *Store) ClaimNextAvailableTask(agent string, checkBusy bool) (*Task, error) {
	if checkBusy {
		busy, err := s.agentHasInProgress(agent)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, nil
		}
	}

	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status != StatusPending || t.Owner != "" {
			continue
		}
		blocked, err := s.IsTaskBlocked(t)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		claimed, err := s.ClaimTask(t.ID, agent, false)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// AddTaskDependency adds depId to id's blockedBy and id to depId's
// blocks, both idempotently. The two files are updated independently
// under their own locks: a reader observing only one side must
// tolerate the transient asymmetry.
func (s *Store) AddTaskDependency(id, depID string) error {
	if id == depID {
		return fmt.Errorf("%w: task %s cannot depend on itself", ErrInvalidArgument, id)
	}
	if t, err := s.GetTask(id); err != nil {
		return err
	} else if t == nil {
		return fmt.Errorf("%w: task %s does not exist", ErrInvalidArgument, id)
	}
	if t, err := s.GetTask(depID); err != nil {
		return err
	} else if t == nil {
		return fmt.Errorf("%w: task %s does not exist", ErrInvalidArgument, depID)
	}

	if _, err := s.UpdateTask(id, func(t *Task) error {
		t.BlockedBy = appendUnique(t.BlockedBy, depID)
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.UpdateTask(depID, func(t *Task) error {
		t.Blocks = appendUnique(t.Blocks, id)
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// RemoveTaskDependency removes the mirrored blockedBy/blocks edges
// between id and depId, tolerating either side already being absent.
func (s *Store) RemoveTaskDependency(id, depID string) error {
	if _, err := s.UpdateTask(id, func(t *Task) error {
		t.BlockedBy = removeString(t.BlockedBy, depID)
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.UpdateTask(depID, func(t *Task) error {
		t.Blocks = removeString(t.Blocks, id)
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// ClearMode selects which tasks ClearTasks removes.
type ClearMode string

const (
	ClearCompleted ClearMode = "completed"
	ClearAll       ClearMode = "all"
)

// ClearResult reports the outcome of a ClearTasks call.
type ClearResult struct {
	Deleted []string
	Skipped []string
	Errors  map[string]string
}

// ClearTasks deletes task files matching mode, refusing to touch any
// path whose resolved absolute location falls outside the store's own
// directory.
func (s *Store) ClearTasks(mode ClearMode) (ClearResult, error) {
	result := ClearResult{Errors: map[string]string{}}

	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return result, fmt.Errorf("resolve task dir: %w", err)
	}

	tasks, err := s.ListTasks()
	if err != nil {
		return result, err
	}

	for _, t := range tasks {
		if mode == ClearCompleted && t.Status != StatusCompleted {
			result.Skipped = append(result.Skipped, t.ID)
			continue
		}

		path := s.taskPath(t.ID)
		absPath, err := filepath.Abs(path)
		if err != nil || filepath.Dir(absPath) != absDir {
			result.Errors[t.ID] = "refusing to operate on path outside task directory"
			continue
		}

		if err := filelock.WithLockErr(s.lockPath(t.ID), filelock.Options{Label: "clear:" + t.ID}, func() error {
			return os.Remove(absPath)
		}); err != nil && !os.IsNotExist(err) {
			result.Errors[t.ID] = err.Error()
			continue
		}
		result.Deleted = append(result.Deleted, t.ID)
	}

	return result, nil
}

func (s *Store) agentHasInProgress(agent string) (bool, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Owner == agent && t.Status == StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) writeTask(t *Task) error {
	if err := jsonstore.EnsureDir(s.dir); err != nil {
		return err
	}
	if err := jsonstore.WriteJSONAtomic(s.taskPath(t.ID), t); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

var (
	errNotClaimable       = fmt.Errorf("task is not pending and unowned")
	errPreconditionFailed = fmt.Errorf("task precondition not met")

	// ErrNotFound is returned by RequireTask for an id that does not resolve to a task file.
	ErrNotFound = errors.New("teamtask: task not found")
	// ErrInvalidArgument is returned for malformed requests such as a
	// self-referential dependency edge or a reference to a nonexistent
	// task id.
	ErrInvalidArgument = errors.New("teamtask: invalid argument")
)

// noopOnPrecondition turns the sentinel precondition errors used by
// ClaimTask/StartAssignedTask/CompleteTask/UnassignTask into a silent
// (nil, nil) result, matching the spec's "no-op" semantics for a failed
// precondition check rather than treating it as an operational error.
func noopOnPrecondition(t *Task, err error) (*Task, error) {
	if err == errNotClaimable || err == errPreconditionFailed {
		return nil, nil
	}
	return t, err
}
