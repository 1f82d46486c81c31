// Package mailbox implements per-recipient append-only inboxes. Senders
// append under a per-recipient file lock; the recipient is the sole
// consumer and drains the whole log on read.
package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"swarmcore/internal/filestore"
	"swarmcore/internal/id"
)

// MessageType distinguishes control messages from ordinary ones.
type MessageType string

const (
	TypeShutdown        MessageType = "shutdown"
	TypeCritiqueRequest MessageType = "critique_request"
	TypeCritiqueReply   MessageType = "critique_reply"
	TypeMessage         MessageType = "message"
)

// Message is one append-only record.
type Message struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Type    MessageType     `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	TS      float64         `json:"ts"`
}

// Mailboxes manages the per-recipient JSONL inbox files under dir.
type Mailboxes struct {
	dir string
	now func() time.Time
}

// New creates a mailbox manager rooted at dir (mailboxes/).
func New(dir string) *Mailboxes {
	return &Mailboxes{dir: dir, now: time.Now}
}

func (m *Mailboxes) inboxPath(recipient string) string {
	return filepath.Join(m.dir, recipient+".jsonl")
}

func (m *Mailboxes) lockPath(recipient string) string {
	return filepath.Join(m.dir, "."+recipient+".jsonl.lock")
}

// Send appends one record to recipient's inbox under its per-recipient
// lock. content may be any JSON-marshalable value, or nil.
func (m *Mailboxes) Send(ctx context.Context, recipient, from string, typ MessageType, content any) error {
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	msg := Message{ID: id.New(), From: from, Type: typ, Content: raw, TS: float64(m.now().UnixNano()) / float64(time.Second)}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	path := m.inboxPath(recipient)
	lock := filestore.NewLock(m.lockPath(recipient))
	return lock.WithExclusive(ctx, func() error {
		if err := filestore.EnsureParentDir(path); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open inbox %s: %w", path, err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append inbox %s: %w", path, err)
		}
		return nil
	})
}

func marshalContent(content any) (json.RawMessage, error) {
	if content == nil {
		return nil, nil
	}
	if raw, ok := content.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return data, nil
}

// Read drains the recipient's entire inbox under its lock: reads every
// record, truncates the file, and returns the batch. Shutdown messages are
// sorted first so a worker observes them before other pending work, per the
// highest-priority handling in §4.3.
func (m *Mailboxes) Read(ctx context.Context, recipient string) ([]Message, error) {
	path := m.inboxPath(recipient)
	lock := filestore.NewLock(m.lockPath(recipient))
	var out []Message
	err := lock.WithExclusive(ctx, func() error {
		data, err := filestore.ReadFileOrEmpty(path)
		if err != nil {
			return fmt.Errorf("read inbox %s: %w", path, err)
		}
		if len(data) == 0 {
			return nil
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				// A torn write from a crash mid-append; skip rather than
				// fail the whole drain.
				continue
			}
			out = append(out, msg)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scan inbox %s: %w", path, err)
		}
		// Truncate — this is the drain. If the process crashes after this
		// point but before the caller finishes processing out, messages are
		// lost to the recipient's view but already returned to the caller;
		// consumers must be idempotent per the at-least-once guarantee.
		return os.WriteFile(path, nil, 0o600)
	})
	if err != nil {
		return nil, err
	}
	sortShutdownFirst(out)
	return out, nil
}

func sortShutdownFirst(msgs []Message) {
	shutdownIdx := 0
	for i, msg := range msgs {
		if msg.Type == TypeShutdown {
			msgs[shutdownIdx], msgs[i] = msgs[i], msgs[shutdownIdx]
			shutdownIdx++
		}
	}
}

// HasPending reports whether recipient has any undrained messages, without
// draining them. Used by the Lazy Runtime's idle-shutdown check.
func (m *Mailboxes) HasPending(recipient string) bool {
	path := m.inboxPath(recipient)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}
