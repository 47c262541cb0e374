package shield

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is a single decision record in the audit log.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Scope      string    `json:"scope"`
	Principal  string    `json:"principal"`
	ToolName   string    `json:"tool_name,omitempty"`
	ThreatID   string    `json:"threat_id,omitempty"`
	Action     string    `json:"action"`
	Severity   string    `json:"severity,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// FileAuditor appends decisions to a JSON lines file.
type FileAuditor struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileAuditor opens (or creates) the audit file in append mode.
func NewFileAuditor(path string) (*FileAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	return &FileAuditor{path: path, file: file}, nil
}

// Record appends one decision entry.
func (a *FileAuditor) Record(ev *Event, d Decision) error {
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Scope:      string(ev.Scope),
		Principal:  ev.Principal,
		ToolName:   ev.ToolName,
		ThreatID:   d.ThreatID,
		Action:     string(d.Action),
		Severity:   string(d.Severity),
		Confidence: d.Confidence,
		Reason:     d.Reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// RecordAuthEvent appends one authentication event. It shares the decision
// log so one file tells the whole security story.
func (a *FileAuditor) RecordAuthEvent(event, subject string, success bool) error {
	action := "denied"
	if success {
		action = "allowed"
	}
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Scope:     "auth",
		Principal: subject,
		Action:    action,
		Reason:    event,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Path returns the audit file location.
func (a *FileAuditor) Path() string {
	return a.path
}

// Close closes the underlying file.
func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
