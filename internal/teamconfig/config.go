// Package teamconfig manages the single config.json file at a team's
// root: team identity, style, and the ordered member list (lead plus
// workers). Every mutation is guarded by one lock file sibling to
// config.json, following the same ensure/upsert idiom as
// internal/tasks.FileStore in the teacher repo, generalized to a
// single-record store instead of one-file-per-entity.
package teamconfig

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dohr-michael/pi-teams/internal/filelock"
	"github.com/dohr-michael/pi-teams/internal/jsonstore"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// Role is a TeamMember's function within the team.
type Role string

const (
	RoleLead   Role = "lead"
	RoleWorker Role = "worker"
)

// Status is a TeamMember's liveness.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultStyle is the team style seeded by EnsureTeamConfig and restored
// by SetTeamStyle("").
const DefaultStyle = "normal"

// TeamMember describes one participant, lead or worker.
type TeamMember struct {
	Name        string         `json:"name"`
	Role        Role           `json:"role"`
	Status      Status         `json:"status"`
	AddedAt     time.Time      `json:"addedAt"`
	LastSeenAt  *time.Time     `json:"lastSeenAt,omitempty"`
	SessionFile string         `json:"sessionFile,omitempty"`
	Cwd         string         `json:"cwd,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// TeamConfig is the single per-team record stored at config.json.
type TeamConfig struct {
	Version    int          `json:"version"`
	TeamID     string       `json:"teamId"`
	TaskListID string       `json:"taskListId"`
	LeadName   string       `json:"leadName"`
	Style      string       `json:"style"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	Members    []TeamMember `json:"members"`
}

// Init seeds a new TeamConfig. TaskListID defaults to TeamID when empty.
type Init struct {
	TeamID     string
	TaskListID string
	LeadName   string
	LeadCwd    string
}

// Store manages the config.json for a single team directory.
type Store struct {
	path     string
	lockPath string
}

// New builds a Store for the team addressed by layout.
func New(layout teamfs.Layout) *Store {
	path := layout.ConfigFile()
	return &Store{path: path, lockPath: path + ".lock"}
}

func (s *Store) lockOpts(label string) filelock.Options {
	return filelock.Options{Label: "teamconfig:" + label}
}

// Read loads the config, returning (nil, nil) if it does not exist yet.
func (s *Store) Read() (*TeamConfig, error) {
	var cfg TeamConfig
	ok, err := jsonstore.ReadJSON(s.path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("read team config: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// EnsureTeamConfig creates the config if missing, seeding the lead
// member as online. If the config already exists it is returned
// unmodified.
func (s *Store) EnsureTeamConfig(init Init) (*TeamConfig, error) {
	if err := jsonstore.EnsureDir(filepath.Dir(s.path)); err != nil {
		return nil, err
	}
	return filelock.WithLock(s.lockPath, s.lockOpts("ensure"), func() (*TeamConfig, error) {
		existing, err := s.readLocked()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}

		taskListID := init.TaskListID
		if taskListID == "" {
			taskListID = init.TeamID
		}
		leadName := teamfs.Sanitize(init.LeadName)
		now := time.Now().UTC()

		cfg := &TeamConfig{
			Version:    1,
			TeamID:     init.TeamID,
			TaskListID: taskListID,
			LeadName:   leadName,
			Style:      DefaultStyle,
			CreatedAt:  now,
			UpdatedAt:  now,
			Members: []TeamMember{
				{
					Name:    leadName,
					Role:    RoleLead,
					Status:  StatusOnline,
					AddedAt: now,
					Cwd:     init.LeadCwd,
				},
			},
		}
		if err := s.writeLocked(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// UpsertMember adds member or updates its role/status/fields if a member
// of that name already exists, preserving the original AddedAt.
func (s *Store) UpsertMember(member TeamMember) (*TeamConfig, error) {
	member.Name = teamfs.Sanitize(member.Name)
	return filelock.WithLock(s.lockPath, s.lockOpts("upsert-member"), func() (*TeamConfig, error) {
		cfg, err := s.requireLocked()
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		found := false
		for i := range cfg.Members {
			if cfg.Members[i].Name == member.Name {
				addedAt := cfg.Members[i].AddedAt
				cfg.Members[i] = member
				cfg.Members[i].AddedAt = addedAt
				found = true
				break
			}
		}
		if !found {
			member.AddedAt = now
			cfg.Members = append(cfg.Members, member)
		}
		cfg.UpdatedAt = now

		if err := s.writeLocked(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// SetMemberStatus mutates an existing member's status, optionally
// stamping lastSeenAt and merging meta. Status is mandatory: callers
// must pass the member's intended current status even when the call's
// real purpose is merging meta (see Open Questions in DESIGN.md).
func (s *Store) SetMemberStatus(name string, status Status, lastSeenAt *time.Time, meta map[string]any) (*TeamConfig, error) {
	name = teamfs.Sanitize(name)
	return filelock.WithLock(s.lockPath, s.lockOpts("set-member-status"), func() (*TeamConfig, error) {
		cfg, err := s.requireLocked()
		if err != nil {
			return nil, err
		}

		idx := -1
		for i := range cfg.Members {
			if cfg.Members[i].Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, fmt.Errorf("member %q not found", name)
		}

		cfg.Members[idx].Status = status
		if lastSeenAt != nil {
			cfg.Members[idx].LastSeenAt = lastSeenAt
		}
		if meta != nil {
			if cfg.Members[idx].Meta == nil {
				cfg.Members[idx].Meta = map[string]any{}
			}
			for k, v := range meta {
				cfg.Members[idx].Meta[k] = v
			}
		}
		cfg.UpdatedAt = time.Now().UTC()

		if err := s.writeLocked(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// SetTeamStyle updates the team's style field. An empty style resets to
// DefaultStyle.
func (s *Store) SetTeamStyle(style string) (*TeamConfig, error) {
	if style == "" {
		style = DefaultStyle
	}
	return filelock.WithLock(s.lockPath, s.lockOpts("set-style"), func() (*TeamConfig, error) {
		cfg, err := s.requireLocked()
		if err != nil {
			return nil, err
		}
		cfg.Style = style
		cfg.UpdatedAt = time.Now().UTC()
		if err := s.writeLocked(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

func (s *Store) readLocked() (*TeamConfig, error) {
	var cfg TeamConfig
	ok, err := jsonstore.ReadJSON(s.path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("read team config: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *Store) requireLocked() (*TeamConfig, error) {
	cfg, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("team config does not exist at %s", s.path)
	}
	return cfg, nil
}

func (s *Store) writeLocked(cfg *TeamConfig) error {
	if err := jsonstore.EnsureDir(filepath.Dir(s.path)); err != nil {
		return err
	}
	if err := jsonstore.WriteJSONAtomic(s.path, cfg); err != nil {
		return fmt.Errorf("write team config: %w", err)
	}
	return nil
}
