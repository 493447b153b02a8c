// Package audit writes an append-only, hash-chained record of every
// command the agent receives and what became of it.
package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType constants for audit entries.
const (
	EventReceived  = "COMMAND_RECEIVED"
	EventDropped   = "COMMAND_DROPPED"
	EventSucceeded = "COMMAND_SUCCEEDED"
	EventFailed    = "COMMAND_FAILED"
)

// DefaultPath is where the daemon writes its audit log.
const DefaultPath = "/var/log/vf-agent/audit.log"

// Entry is a single audit record. EntryHash chains each record to its
// predecessor so truncation or tampering is detectable.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type,omitempty"`
	Target      string    `json:"target,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	EntryHash   string    `json:"entry_hash"`
}

// Logger writes entries to a JSON-lines file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// Open creates or appends to the audit log at path. The directory is
// created with 0700 and the file with 0600. Existing entries are scanned
// so the hash chain continues across restarts.
func Open(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	prevHash := ""
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := splitLines(data)
		for i := len(lines) - 1; i >= 0; i-- {
			if len(lines[i]) == 0 {
				continue
			}
			var entry Entry
			if json.Unmarshal(lines[i], &entry) == nil {
				prevHash = entry.EntryHash
			}
			break
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f, prevHash: prevHash}, nil
}

// Log appends an entry, computing its position in the hash chain.
func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	// EntryHash = SHA256(prevHash + entry without hash)
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(l.prevHash), raw...))
	entry.EntryHash = fmt.Sprintf("%x", h)
	l.prevHash = entry.EntryHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal final: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Verify replays the file at path and reports the first entry whose hash
// does not match the chain, or -1 if the chain is intact.
func Verify(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, err
	}

	prevHash := ""
	for i, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return i, fmt.Errorf("audit: line %d unreadable: %w", i, err)
		}
		want := entry.EntryHash
		entry.EntryHash = ""
		raw, err := json.Marshal(entry)
		if err != nil {
			return i, err
		}
		h := sha256.Sum256(append([]byte(prevHash), raw...))
		if fmt.Sprintf("%x", h) != want {
			return i, nil
		}
		prevHash = want
	}
	return -1, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
