package idempotency

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileRecord is one JSONL line in the durable log. Later records for the
// same run id supersede earlier ones.
type fileRecord struct {
	RunID     string         `json:"run_id"`
	Completed bool           `json:"completed"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// fileTracker is the durable variant: the in-memory set plus an append-only
// JSONL log replayed on open. Writes are flushed and synced before the
// insert is acknowledged so a crashed worker never re-admits a run id it
// already claimed.
type fileTracker struct {
	mu   sync.Mutex
	seen map[string]record
	file *os.File
	w    *bufio.Writer
}

// NewFile opens (or creates) a durable tracker at path, replaying any
// existing log.
func NewFile(path string) (Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create tracker dir: %w", err)
	}

	t := &fileTracker{seen: make(map[string]record)}
	if err := t.replay(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker log: %w", err)
	}
	t.file = file
	t.w = bufio.NewWriter(file)
	return t, nil
}

func (t *fileTracker) replay(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open tracker log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash is expected; skip it.
			continue
		}
		t.seen[rec.RunID] = record{Completed: rec.Completed, Meta: rec.Meta, Timestamp: rec.Timestamp}
	}
	return scanner.Err()
}

func (t *fileTracker) append(rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal tracker record: %w", err)
	}
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := t.w.Flush(); err != nil {
		return err
	}
	return t.file.Sync()
}

// IsDuplicate implements Tracker.
func (t *fileTracker) IsDuplicate(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[id]; ok {
		return true, nil
	}
	rec := fileRecord{RunID: id, Timestamp: time.Now().UTC()}
	if err := t.append(rec); err != nil {
		return false, err
	}
	t.seen[id] = record{Timestamp: rec.Timestamp}
	return false, nil
}

// MarkCompleted implements Tracker.
func (t *fileTracker) MarkCompleted(_ context.Context, id string, meta map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := fileRecord{RunID: id, Completed: true, Meta: meta, Timestamp: time.Now().UTC()}
	if err := t.append(rec); err != nil {
		return err
	}
	t.seen[id] = record{Completed: true, Meta: meta, Timestamp: rec.Timestamp}
	return nil
}

// Seen implements Tracker.
func (t *fileTracker) Seen(_ context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.seen[id]
	return ok
}
