// Package jsonstore provides the atomic read/write primitives shared by
// every filesystem-backed store in this module: team config, task files,
// and mailboxes. Writers always go through a temp-file-then-rename so
// readers never observe a partial write.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	return nil
}

// WriteAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, so a concurrent reader never sees a
// truncated file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically to path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// ReadJSON reads path and unmarshals it into out. Returns (false, nil) if
// the file does not exist, leaving out untouched.
func ReadJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

// ReadJSONArray reads a JSON array from path, returning an empty (nil)
// slice if the file is missing or fails to parse.
func ReadJSONArray[T any](path string) []T {
	var items []T
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	return items
}

// ReadCounter reads a decimal integer counter file, defaulting to 0 if the
// file is missing or unparsable.
func ReadCounter(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(trimNewline(data))
	if err != nil {
		return 0
	}
	return n
}

// WriteCounter atomically writes n as a decimal integer followed by a
// newline.
func WriteCounter(path string, n int) error {
	return WriteAtomic(path, []byte(strconv.Itoa(n)+"\n"))
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}
