package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dealdesk/pkg/persistence"
)

// Writer mirrors audit entries to daily rotated JSONL files. The database is
// the source of truth; the mirror exists so operators can tail or ship the
// trail without touching SQLite.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a mirror writer with daily rotation in the given directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	writer := &Writer{logDir: logDir}

	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit log file: %w", err)
	}

	return writer, nil
}

// WriteEntry appends one entry as a JSON line, rotating to a new file when the
// date changes.
func (w *Writer) WriteEntry(entry *persistence.AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize audit entry: %w", err)
	}

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log file: %w", err)
	}

	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().UTC().Format("2006-01-02")

	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}

	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current audit log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", newDate))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate

	return nil
}

// Close closes the current mirror file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close audit log file: %w", err)
		}
	}

	return nil
}

// CurrentLogFile returns the path of the active mirror file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}

	return filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", w.currentDate))
}

// ReadEntries reads and parses entries from a mirror file.
func ReadEntries(logFilePath string) ([]*persistence.AuditEntry, error) {
	data, err := os.ReadFile(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log file: %w", err)
	}

	var entries []*persistence.AuditEntry
	line := []byte{}

	parse := func(raw []byte) error {
		var entry persistence.AuditEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("failed to parse audit entry: %w", err)
		}
		entries = append(entries, &entry)
		return nil
	}

	for _, b := range data {
		if b == '\n' {
			if len(line) > 0 {
				if err := parse(line); err != nil {
					return nil, err
				}
				line = []byte{}
			}
		} else {
			line = append(line, b)
		}
	}
	if len(line) > 0 {
		if err := parse(line); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// ListLogFiles returns all mirror files in the directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "audit-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log files: %w", err)
	}

	return files, nil
}
