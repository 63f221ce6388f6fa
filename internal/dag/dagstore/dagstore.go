// Package dagstore serves DAG definitions from a directory of YAML files,
// one <name>.yaml per DAG, with a parse cache invalidated by an fsnotify
// watcher.
package dagstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

// Store loads and caches DAG definitions by name.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]*dag.DAG

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a store over dir, creating it when missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create dags dir: %w", err)
	}
	return &Store{
		dir:   dir,
		cache: make(map[string]*dag.DAG),
	}, nil
}

// Watch invalidates cache entries when their files change. Safe to skip:
// the cache then simply never invalidates within the process lifetime.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
				s.mu.Lock()
				delete(s.cache, name)
				s.mu.Unlock()
				logger.Debug(ctx, "dag cache invalidated", tag.DAG(name), tag.Path(event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn(ctx, "dag watcher error", tag.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

// Load returns the parsed DAG by name, from cache when fresh.
func (s *Store) Load(name string) (*dag.DAG, error) {
	s.mu.Lock()
	if cached, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	d, err := dag.Load(s.pathFor(name))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = d
	s.mu.Unlock()
	return d, nil
}

// LoadPath parses a DAG from an arbitrary path, bypassing the cache. Used
// for jobs carrying absolute dag_path values.
func (s *Store) LoadPath(path string) (*dag.DAG, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	return dag.Load(path)
}

// List returns the names of all DAG files in the directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dags dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Save writes a DAG definition file after checking it parses.
func (s *Store) Save(name string, content []byte) error {
	if _, err := dag.Parse(content); err != nil {
		return err
	}
	if err := os.WriteFile(s.pathFor(name), content, 0640); err != nil {
		return core.WrapError(core.CodeFatal, err, fmt.Sprintf("failed to write dag %s", name))
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}
