package config

import (
	"path/filepath"

	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// DotenvPath returns the path to the pi-teams .env file, a sibling of
// the teams root (teamfs.Root()) rather than inside it so
// CleanupTeamDir never touches it.
func DotenvPath() string {
	return filepath.Join(filepath.Dir(teamfs.Root()), ".env")
}
