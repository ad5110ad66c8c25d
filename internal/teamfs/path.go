// Package teamfs maps a team id to its directory layout and provides the
// sanitize/cleanup helpers shared by every store in the coordination
// substrate. Grounded on internal/config.OzziePath's env-var-with-fallback
// idiom, generalized from a single user-level data directory to a
// per-team tree rooted anywhere the host configures.
package teamfs

import (
	"os"
	"path/filepath"
	"regexp"
)

// RootEnvVar is the environment variable overriding the teams root
// directory (spec.md §6.4).
const RootEnvVar = "PI_TEAMS_ROOT_DIR"

// Root returns the directory under which all team directories live. It
// honors $PI_TEAMS_ROOT_DIR, falling back to <agent dir>/teams where
// <agent dir> is $HOME/.pi-teams.
func Root() string {
	if v := os.Getenv(RootEnvVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pi-teams", "teams")
	}
	return filepath.Join(home, ".pi-teams", "teams")
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with '-',
// preserving case, so agent/namespace names are always safe path
// components.
func Sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "-")
}

// Layout resolves all paths under a single team directory.
type Layout struct {
	root   string
	teamID string
}

// New builds a Layout for teamID rooted at root.
func New(root, teamID string) Layout {
	return Layout{root: root, teamID: teamID}
}

// TeamDir is <root>/<teamId>.
func (l Layout) TeamDir() string {
	return filepath.Join(l.root, l.teamID)
}

// ConfigFile is <teamDir>/config.json.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.TeamDir(), "config.json")
}

// TasksDir is <teamDir>/tasks/<sanitize(taskListID)>.
func (l Layout) TasksDir(taskListID string) string {
	return filepath.Join(l.TeamDir(), "tasks", Sanitize(taskListID))
}

// MailboxInboxesDir is <teamDir>/mailboxes/<sanitize(ns)>/inboxes.
func (l Layout) MailboxInboxesDir(ns string) string {
	return filepath.Join(l.TeamDir(), "mailboxes", Sanitize(ns), "inboxes")
}

// SessionsDir is <teamDir>/sessions.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.TeamDir(), "sessions")
}

// SessionFile is <teamDir>/sessions/<sanitize(agentName)>.jsonl — opaque,
// owned by the embedded agent runtime.
func (l Layout) SessionFile(agentName string) string {
	return filepath.Join(l.SessionsDir(), Sanitize(agentName)+".jsonl")
}

// WorktreesDir is <teamDir>/worktrees.
func (l Layout) WorktreesDir() string {
	return filepath.Join(l.TeamDir(), "worktrees")
}

// WorktreeDir is <teamDir>/worktrees/<sanitize(agentName)>.
func (l Layout) WorktreeDir(agentName string) string {
	return filepath.Join(l.WorktreesDir(), Sanitize(agentName))
}
