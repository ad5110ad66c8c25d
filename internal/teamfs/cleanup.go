package teamfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when dir resolves outside root or equals it.
var ErrPathEscape = errors.New("teamfs: path escapes root")

// CleanupTeamDir removes dir, refusing to act unless dir resolves to a
// strict descendant of root. This guards against a corrupted or malicious
// team id (e.g. containing "..") turning a routine team removal into a
// deletion outside the teams root.
func CleanupTeamDir(root, dir string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir %s: %w", dir, err)
	}

	if absDir == absRoot || !isStrictDescendant(absRoot, absDir) {
		return fmt.Errorf("%w: %s is not a strict descendant of %s", ErrPathEscape, absDir, absRoot)
	}

	if err := os.RemoveAll(absDir); err != nil {
		return fmt.Errorf("remove %s: %w", absDir, err)
	}
	return nil
}

func isStrictDescendant(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
