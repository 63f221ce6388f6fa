package urg

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

	"github.com/tandem-run/tandem/internal/core"
)

// Filter narrows a search. Tenant is mandatory on every read path.
type Filter struct {
	Type   string
	Source string
	Tenant string
}

// Stats is a snapshot of index sizes for the ops surface.
type Stats struct {
	Resources int            `json:"resources"`
	Tokens    int            `json:"tokens"`
	ByType    map[string]int `json:"by_type"`
	BySource  map[string]int `json:"by_source"`
	ByTenant  map[string]int `json:"by_tenant"`
}

// Index is the in-memory view over the shard files. One RWMutex serialises
// writers; readers share the lock.
type Index struct {
	root string
	now  func() time.Time

	mu        sync.RWMutex
	resources map[string]*Resource
	inverted  map[string]map[string]struct{}
	byType    map[string]map[string]struct{}
	bySource  map[string]map[string]struct{}
	byTenant  map[string]map[string]struct{}
}

// Option configures an Index.
type Option func(*Index)

// WithClock injects a clock for shard-date tests.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) {
		ix.now = now
	}
}

// New creates an index rooted at dir and loads all existing shards.
func New(root string, opts ...Option) (*Index, error) {
	ix := &Index{
		root: root,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.reset()

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create urg root: %w", err)
	}
	if err := ix.loadShards(""); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) reset() {
	ix.resources = make(map[string]*Resource)
	ix.inverted = make(map[string]map[string]struct{})
	ix.byType = make(map[string]map[string]struct{})
	ix.bySource = make(map[string]map[string]struct{})
	ix.byTenant = make(map[string]map[string]struct{})
}

// Upsert normalises, persists, and indexes the resource. The shard append
// happens before the in-memory update so a crash loses the index (which is
// rebuildable), never the record.
func (ix *Index) Upsert(_ context.Context, r Resource, source, tenant string) (string, error) {
	if r.ID == "" || r.Type == "" {
		return "", core.NewError(core.CodeValidation, "resource id and type are required")
	}
	if tenant == "" {
		return "", core.NewError(core.CodeValidation, "tenant is required")
	}

	r.Source = source
	r.Tenant = tenant
	r.GraphID = GraphURN(source, r.Type, r.ID)
	if r.Timestamp.IsZero() {
		r.Timestamp = ix.now().UTC()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.appendToShard(&r); err != nil {
		return "", err
	}

	if old, ok := ix.resources[r.GraphID]; ok {
		ix.unindex(old)
	}
	ix.index(&r)
	return r.GraphID, nil
}

// shardPath is <root>/<tenant>/<YYYY-MM-DD>.jsonl.
func (ix *Index) shardPath(tenant string, at time.Time) string {
	return filepath.Join(ix.root, tenant, at.UTC().Format(time.DateOnly)+".jsonl")
}

// appendToShard writes one durable line. Caller holds the write lock.
func (ix *Index) appendToShard(r *Resource) error {
	path := ix.shardPath(r.Tenant, ix.now())
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to create tenant shard dir")
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to open shard")
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := json.Marshal(r)
	if err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to marshal resource")
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return core.WrapError(core.CodeFatal, err, "shard write failed")
	}
	return file.Sync()
}

// index adds the resource to every posting set. Caller holds the write
// lock.
func (ix *Index) index(r *Resource) {
	ix.resources[r.GraphID] = r
	for _, tok := range tokensOf(r) {
		addPosting(ix.inverted, tok, r.GraphID)
	}
	addPosting(ix.byType, r.Type, r.GraphID)
	addPosting(ix.bySource, r.Source, r.GraphID)
	addPosting(ix.byTenant, r.Tenant, r.GraphID)
}

// unindex removes the previous version's postings. Caller holds the write
// lock.
func (ix *Index) unindex(r *Resource) {
	for _, tok := range tokensOf(r) {
		removePosting(ix.inverted, tok, r.GraphID)
	}
	removePosting(ix.byType, r.Type, r.GraphID)
	removePosting(ix.bySource, r.Source, r.GraphID)
	removePosting(ix.byTenant, r.Tenant, r.GraphID)
	delete(ix.resources, r.GraphID)
}

func addPosting(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removePosting(m map[string]map[string]struct{}, key, id string) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// Get returns the resource only when its tenant matches the caller's.
// A cross-tenant hit is reported as not found, never as denied: denial
// would leak the resource's existence.
func (ix *Index) Get(_ context.Context, graphID, tenant string) (*Resource, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	r, ok := ix.resources[graphID]
	if !ok || r.Tenant != tenant {
		return nil, core.NewErrorf(core.CodeNotFound, "resource %s", graphID)
	}
	out := *r
	return &out, nil
}

// ListByTenant returns up to limit resources of the tenant, newest first.
func (ix *Index) ListByTenant(_ context.Context, tenant string, limit int) ([]*Resource, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*Resource
	for id := range ix.byTenant[tenant] {
		r := *ix.resources[id]
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].GraphID < out[j].GraphID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search intersects the posting lists of the query tokens, applies the
// type and source filters, and finally the tenant filter. The query "*"
// or an empty token list matches everything of the tenant. Results are
// sorted newest first.
func (ix *Index) Search(_ context.Context, query string, filter Filter) ([]*Resource, error) {
	if filter.Tenant == "" {
		return nil, core.NewError(core.CodeValidation, "tenant is required")
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidates map[string]struct{}
	if trimmed := strings.TrimSpace(query); trimmed == "" || trimmed == "*" {
		candidates = copySet(ix.byTenant[filter.Tenant])
	} else {
		tokens := Tokenize(trimmed)
		if len(tokens) == 0 {
			candidates = copySet(ix.byTenant[filter.Tenant])
		}
		for i, tok := range tokens {
			postings := ix.inverted[tok]
			if len(postings) == 0 {
				return nil, nil
			}
			if i == 0 {
				candidates = copySet(postings)
				continue
			}
			for id := range candidates {
				if _, ok := postings[id]; !ok {
					delete(candidates, id)
				}
			}
		}
	}

	var out []*Resource
	for id := range candidates {
		r := ix.resources[id]
		if r == nil {
			continue
		}
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Source != "" && r.Source != filter.Source {
			continue
		}
		// Tenant last: the hard isolation boundary.
		if r.Tenant != filter.Tenant {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].GraphID < out[j].GraphID
	})
	return out, nil
}

func copySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

// RebuildIndex clears the in-memory view and reloads shards, for one
// tenant or all. Duplicate shard records resolve last-write-wins.
func (ix *Index) RebuildIndex(_ context.Context, tenant string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if tenant == "" {
		ix.reset()
	} else {
		for id := range ix.byTenant[tenant] {
			ix.unindex(ix.resources[id])
		}
	}
	return ix.loadShards(tenant)
}

// loadShards reads every shard of the tenant (or all tenants) in date
// order. Caller holds the write lock (or is the constructor).
func (ix *Index) loadShards(tenant string) error {
	tenants := []string{tenant}
	if tenant == "" {
		entries, err := os.ReadDir(ix.root)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read urg root: %w", err)
		}
		tenants = tenants[:0]
		for _, e := range entries {
			if e.IsDir() {
				tenants = append(tenants, e.Name())
			}
		}
	}

	for _, tn := range tenants {
		dir := filepath.Join(ix.root, tn)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read tenant dir %s: %w", tn, err)
		}

		var shards []string
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".jsonl") {
				shards = append(shards, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(shards)

		for _, shard := range shards {
			if err := ix.loadShard(shard); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Index) loadShard(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open shard %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Resource
		if err := json.Unmarshal(line, &r); err != nil {
			// Torn trailing line from a crash; skip.
			continue
		}
		if old, ok := ix.resources[r.GraphID]; ok {
			ix.unindex(old)
		}
		ix.index(&r)
	}
	return scanner.Err()
}

// Stats returns current index sizes.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := Stats{
		Resources: len(ix.resources),
		Tokens:    len(ix.inverted),
		ByType:    make(map[string]int, len(ix.byType)),
		BySource:  make(map[string]int, len(ix.bySource)),
		ByTenant:  make(map[string]int, len(ix.byTenant)),
	}
	for k, set := range ix.byType {
		st.ByType[k] = len(set)
	}
	for k, set := range ix.bySource {
		st.BySource[k] = len(set)
	}
	for k, set := range ix.byTenant {
		st.ByTenant[k] = len(set)
	}
	return st
}
