package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxEntries caps the queryable audit window when no limit is configured.
const DefaultMaxEntries = 10000

// AuditEvent is one append-only record of a state transition or dispatch
// action. Sequence numbers increase monotonically and never restart, even
// across daemon restarts.
type AuditEvent struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"` // role name or "system"
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditLog keeps a capped in-memory window of recent events for queries and
// appends every event to a JSONL file for external observability tooling.
// Once the window exceeds the cap, the oldest entries are evicted first;
// the file retains the full history.
type AuditLog struct {
	mu         sync.Mutex
	entries    []AuditEvent
	maxEntries int
	nextSeq    uint64
	file       *os.File
	path       string
}

// OpenAuditLog opens (or creates) the JSONL file at path and replays its
// tail to restore the in-memory window and the next sequence number.
func OpenAuditLog(path string, maxEntries int) (*AuditLog, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}

	l := &AuditLog{
		maxEntries: maxEntries,
		nextSeq:    1,
		path:       path,
	}

	if err := l.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = file
	return l, nil
}

// replay loads existing entries, keeping only the newest maxEntries in memory.
func (l *AuditLog) replay() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Skip malformed lines; a torn final write must not block startup.
			continue
		}
		l.entries = append(l.entries, e)
		if len(l.entries) > l.maxEntries {
			l.entries = l.entries[1:]
		}
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	return scanner.Err()
}

// Append records an event and returns it with its assigned sequence number.
func (l *AuditLog) Append(actor, action string, detail map[string]any) (AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := AuditEvent{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}
	l.nextSeq++

	data, err := json.Marshal(e)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	if l.file != nil {
		if _, err := l.file.Write(data); err != nil {
			return AuditEvent{}, fmt.Errorf("write audit event: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return AuditEvent{}, fmt.Errorf("sync audit log: %w", err)
		}
	}

	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	return e, nil
}

// Tail returns up to limit events with Seq > afterSeq, oldest first.
// limit <= 0 means no limit within the retained window.
func (l *AuditLog) Tail(afterSeq uint64, limit int) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []AuditEvent
	for _, e := range l.entries {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close syncs and closes the backing file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		l.file = nil
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
