// Package mailbox implements the append-only per-recipient inbox files
// used for both leader/worker coordination messages and free-form DMs.
// One JSON array lives per recipient, guarded by a sibling lock file
// (see internal/filelock).
package mailbox

import (
	"path/filepath"
	"time"

	"github.com/dohr-michael/pi-teams/internal/filelock"
	"github.com/dohr-michael/pi-teams/internal/jsonstore"
	"github.com/dohr-michael/pi-teams/internal/teamfs"
)

// Message is one entry in a recipient's inbox.
type Message struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Color     string    `json:"color,omitempty"`
}

// Store manages the inbox files for every namespace under one team
// directory.
type Store struct {
	layout   teamfs.Layout
	LockOpts filelock.Options // zero value uses filelock's defaults
}

// New builds a Store rooted at layout's team directory.
func New(layout teamfs.Layout) *Store {
	return &Store{layout: layout}
}

func (s *Store) inboxPath(ns, recipient string) string {
	return filepath.Join(s.layout.MailboxInboxesDir(ns), teamfs.Sanitize(recipient)+".json")
}

func (s *Store) lockOpts(label string) filelock.Options {
	opts := s.LockOpts
	opts.Label = "mailbox:" + label
	return opts
}

// WriteToMailbox appends msg to recipient's inbox in namespace ns.
func (s *Store) WriteToMailbox(ns, recipient string, msg Message) error {
	path := s.inboxPath(ns, recipient)
	msg.Read = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := jsonstore.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	return filelock.WithLockErr(path+".lock", s.lockOpts(ns+"/"+recipient), func() error {
		messages := jsonstore.ReadJSONArray[Message](path)
		messages = append(messages, msg)
		return jsonstore.WriteJSONAtomic(path, messages)
	})
}

// PopUnreadMessages loads recipient's inbox, flips every unread message
// to read, and returns copies of the messages that were unread. On a
// lock timeout it returns an empty slice (transient; the caller's next
// poll retries); any other error propagates.
func (s *Store) PopUnreadMessages(ns, recipient string) ([]Message, error) {
	path := s.inboxPath(ns, recipient)
	if err := jsonstore.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	popped, err := filelock.WithLock(path+".lock", s.lockOpts(ns+"/"+recipient), func() ([]Message, error) {
		messages := jsonstore.ReadJSONArray[Message](path)
		var unread []Message
		changed := false
		for i := range messages {
			if !messages[i].Read {
				unread = append(unread, messages[i])
				messages[i].Read = true
				changed = true
			}
		}
		if changed {
			if err := jsonstore.WriteJSONAtomic(path, messages); err != nil {
				return nil, err
			}
		}
		return unread, nil
	})

	if err != nil {
		if filelock.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return popped, nil
}
