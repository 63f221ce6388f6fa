package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

// Definition describes one registered connector.
type Definition struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Source        string    `json:"source"`
	BaseURL       string    `json:"base_url,omitempty"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	Enabled       bool      `json:"enabled"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Factory builds a live connector from its definition.
type Factory func(ctx context.Context, def *Definition) (Connector, error)

// Registry tracks connector definitions, persisted as append-only JSONL
// where the last record per name wins. Kinds are registered explicitly;
// "memory" is built in.
type Registry struct {
	mu    sync.RWMutex
	path  string
	defs  map[string]*Definition
	kinds map[string]Factory
	now   func() time.Time

	// memory connectors are process-local, one instance per name.
	memories map[string]*Memory
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock injects a clock.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry loads (or creates) the registry file.
func NewRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		path:     path,
		defs:     make(map[string]*Definition),
		kinds:    make(map[string]Factory),
		memories: make(map[string]*Memory),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.kinds["memory"] = r.memoryFactory

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to create registry dir")
	}
	if err := r.replay(); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterKind adds a connector factory for a kind.
func (r *Registry) RegisterKind(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = factory
}

// Register validates and persists a definition. New connectors start
// enabled unless the definition says otherwise.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	if def.Name == "" || def.Kind == "" {
		return core.NewError(core.CodeValidation, "connector name and kind are required")
	}
	if def.Source == "" {
		def.Source = def.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[def.Kind]; !ok {
		return core.NewErrorf(core.CodeValidation, "unknown connector kind %q", def.Kind)
	}
	if def.Kind == "http" && def.BaseURL == "" {
		return core.NewError(core.CodeValidation, "http connectors need a base_url")
	}
	if _, exists := r.defs[def.Name]; exists {
		return core.NewErrorf(core.CodeConflict, "connector %s is already registered", def.Name)
	}

	def.UpdatedAt = r.now().UTC()
	if err := r.append(&def); err != nil {
		return err
	}
	r.defs[def.Name] = &def
	logger.Info(ctx, "connector registered", tag.Connector(def.Name), tag.Source(def.Source))
	return nil
}

// Enable marks the connector usable.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, true)
}

// Disable marks the connector unusable without forgetting it.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, false)
}

func (r *Registry) setEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[name]
	if !ok {
		return core.NewErrorf(core.CodeNotFound, "connector %s", name)
	}
	if def.Enabled == enabled {
		return nil
	}

	updated := *def
	updated.Enabled = enabled
	updated.UpdatedAt = r.now().UTC()
	if err := r.append(&updated); err != nil {
		return err
	}
	r.defs[name] = &updated
	logger.Info(ctx, "connector state changed",
		tag.Connector(name), tag.Status(map[bool]string{true: "enabled", false: "disabled"}[enabled]))
	return nil
}

// Get returns the definition by name.
func (r *Registry) Get(_ context.Context, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, core.NewErrorf(core.CodeNotFound, "connector %s", name)
	}
	out := *def
	return &out, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List(_ context.Context) ([]*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Build returns a live connector for an enabled definition.
func (r *Registry) Build(ctx context.Context, name string) (Connector, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	if !ok {
		r.mu.RUnlock()
		return nil, core.NewErrorf(core.CodeNotFound, "connector %s", name)
	}
	cp := *def
	def = &cp
	factory := r.kinds[def.Kind]
	r.mu.RUnlock()

	if !def.Enabled {
		return nil, core.NewErrorf(core.CodeConflict, "connector %s is disabled", name)
	}
	if factory == nil {
		return nil, core.NewErrorf(core.CodeValidation, "no factory for kind %q", def.Kind)
	}
	return factory(ctx, def)
}

// Test probes the connector with a Connect/Disconnect round trip.
func (r *Registry) Test(ctx context.Context, name string) Result {
	conn, err := r.Build(ctx, name)
	if err != nil {
		return Fail(err.Error())
	}
	res := conn.Connect(ctx)
	if res.Status != StatusSuccess {
		return res
	}
	return conn.Disconnect(ctx)
}

func (r *Registry) memoryFactory(_ context.Context, def *Definition) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem, ok := r.memories[def.Name]
	if !ok {
		mem = NewMemory()
		r.memories[def.Name] = mem
	}
	return mem, nil
}

func (r *Registry) append(def *Definition) error {
	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to open connector registry")
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := json.Marshal(def)
	if err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to marshal connector definition")
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return core.WrapError(core.CodeFatal, err, "registry write failed")
	}
	return file.Sync()
}

func (r *Registry) replay() error {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.WrapError(core.CodeFatal, err, "failed to open connector registry")
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
		var def Definition
		if err := json.Unmarshal(line, &def); err != nil {
			// Torn tail line from a crash mid-append.
			continue
		}
		r.defs[def.Name] = &def
	}
	return scanner.Err()
}
