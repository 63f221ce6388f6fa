package audit

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
	"time"
)

// Filter selects entries for a query. Zero fields match everything.
type Filter struct {
	Tenant string
	Actor  string
	Action string
	Result Result
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// QueryResult carries a page of matching entries.
type QueryResult struct {
	Entries []*Entry
	Total   int
	HasMore bool
}

// Store persists audit entries.
type Store interface {
	// Append writes the entry durably and returns its id. The write is
	// flushed and synced before returning.
	Append(ctx context.Context, entry *Entry) (string, error)

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) (*QueryResult, error)
}

// fileStore writes one JSON line per entry into a daily-rotated file
// audit-YYYY-MM-DD.jsonl under dir. Dates are UTC.
type fileStore struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	curDate string
}

// StoreOption configures the file store.
type StoreOption func(*fileStore)

// WithClock injects a clock for rotation tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *fileStore) {
		s.now = now
	}
}

// NewFileStore creates a daily-rotated JSONL store under dir.
func NewFileStore(dir string, opts ...StoreOption) (Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	s := &fileStore{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func fileNameFor(date string) string {
	return fmt.Sprintf("audit-%s.jsonl", date)
}

// rotate opens the file for the current UTC date, closing yesterday's.
// Caller holds the mutex.
func (s *fileStore) rotate() error {
	date := s.now().UTC().Format(time.DateOnly)
	if s.file != nil && date == s.curDate {
		return nil
	}

	if s.file != nil {
		_ = s.w.Flush()
		_ = s.file.Close()
	}

	path := filepath.Join(s.dir, fileNameFor(date))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	s.file = file
	s.w = bufio.NewWriter(file)
	s.curDate = date
	return nil
}

// Append implements Store.
func (s *fileStore) Append(_ context.Context, entry *Entry) (string, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotate(); err != nil {
		return "", err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return "", err
	}
	if err := s.w.Flush(); err != nil {
		return "", err
	}
	if err := s.file.Sync(); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Query implements Store. Only files intersecting the date range are read.
func (s *fileStore) Query(_ context.Context, filter Filter) (*QueryResult, error) {
	s.mu.Lock()
	if s.w != nil {
		_ = s.w.Flush()
	}
	s.mu.Unlock()

	files, err := s.filesInRange(filter.Start, filter.End)
	if err != nil {
		return nil, err
	}

	var matched []*Entry
	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if filter.matches(e) {
				matched = append(matched, e)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	hasMore := false
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
		hasMore = true
	}

	return &QueryResult{Entries: matched, Total: total, HasMore: hasMore}, nil
}

func (f Filter) matches(e *Entry) bool {
	if f.Tenant != "" && e.Tenant != f.Tenant {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

func (s *fileStore) filesInRange(start, end time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit dir: %w", err)
	}

	var files []string
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".jsonl")
		date, err := time.Parse(time.DateOnly, dateStr)
		if err != nil {
			continue
		}
		if !start.IsZero() && date.Before(start.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !end.IsZero() && date.After(end.UTC()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func readEntries(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, scanner.Err()
}
