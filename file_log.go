package orchestrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileLog is a SagaLog that persists each saga as an append-only JSON-lines
// file under a base directory. Every record is flushed and synced before the
// append returns, so a crash never loses an acknowledged entry.
type FileLog struct {
	basePath string
	mu       sync.Mutex
}

// fileRecord is one line in a saga's log file.
type fileRecord struct {
	Kind   string      `json:"kind"` // "begin", "entry" or "end"
	Plan   *PlanRecord `json:"plan,omitempty"`
	Entry  *LogEntry   `json:"entry,omitempty"`
	Status string      `json:"status,omitempty"`
}

// NewFileLog creates a file-backed saga log rooted at the given directory.
func NewFileLog(basePath string) (*FileLog, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileLog{basePath: basePath}, nil
}

// Begin records a new saga and its plan.
func (f *FileLog) Begin(ctx context.Context, sagaID string, plan PlanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(sagaID)
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("saga %s already begun", sagaID)
	}
	return f.appendRecord(filename, fileRecord{Kind: "begin", Plan: &plan})
}

// Append records one action outcome.
func (f *FileLog) Append(ctx context.Context, entry LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(entry.SagaID)
	if _, err := os.Stat(filename); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("append for saga %s: %w", entry.SagaID, ErrSagaNotFound)
		}
		return &WriteError{Err: err}
	}
	return f.appendRecord(filename, fileRecord{Kind: "entry", Entry: &entry})
}

// End records the saga's terminal status.
func (f *FileLog) End(ctx context.Context, sagaID string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !IsTerminalStatus(status) {
		return fmt.Errorf("end for saga %s: %q is not a terminal status", sagaID, status)
	}
	return f.appendRecord(f.filename(sagaID), fileRecord{Kind: "end", Status: status})
}

// ReadSaga scans the saga's file and reassembles its record.
func (f *FileLog) ReadSaga(ctx context.Context, sagaID string) (*SagaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.readSagaLocked(sagaID)
}

func (f *FileLog) readSagaLocked(sagaID string) (*SagaRecord, error) {
	file, err := os.Open(f.filename(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaNotFound)
		}
		return nil, fmt.Errorf("failed to open saga file: %w", err)
	}
	defer file.Close()

	rec := &SagaRecord{SagaID: sagaID}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr fileRecord
		if err := json.Unmarshal(line, &fr); err != nil {
			return nil, fmt.Errorf("corrupt record in saga %s: %w", sagaID, err)
		}
		switch fr.Kind {
		case "begin":
			rec.Plan = *fr.Plan
		case "entry":
			rec.Entries = append(rec.Entries, *fr.Entry)
		case "end":
			rec.Final = fr.Status
		default:
			return nil, fmt.Errorf("corrupt record in saga %s: unknown kind %q", sagaID, fr.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan saga file: %w", err)
	}
	return rec, nil
}

// ActiveSagas scans the base directory for sagas without an end record.
func (f *FileLog) ActiveSagas(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	globbed, err := filepath.Glob(filepath.Join(f.basePath, "*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list saga files: %w", err)
	}

	var ids []string
	for _, path := range globbed {
		sagaID := strings.TrimSuffix(filepath.Base(path), ".log")
		rec, err := f.readSagaLocked(sagaID)
		if err != nil {
			return nil, err
		}
		if rec.Final == "" {
			ids = append(ids, sagaID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// appendRecord writes one JSON line and syncs it to disk.
func (f *FileLog) appendRecord(filename string, fr fileRecord) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return &WriteError{Err: fmt.Errorf("failed to marshal record: %w", err)}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &WriteError{Err: err}
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return &WriteError{Err: err}
	}
	if err := file.Sync(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// filename returns the full path for a saga's log file.
func (f *FileLog) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".log")
}
