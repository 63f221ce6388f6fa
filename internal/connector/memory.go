package connector

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process connector backing tests and the ingestion
// example. Records live in a type/id map; filters are exact-match.
type Memory struct {
	mu        sync.RWMutex
	records   map[string]map[string]map[string]any
	connected bool
}

// NewMemory creates an empty memory connector.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]map[string]any)}
}

// Seed inserts a record directly, bypassing the connect gate.
func (m *Memory) Seed(resourceType, id string, record map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[resourceType]
	if !ok {
		byID = make(map[string]map[string]any)
		m.records[resourceType] = byID
	}
	byID[id] = record
}

func (m *Memory) Connect(_ context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return Ok(nil)
}

func (m *Memory) Disconnect(_ context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return Ok(nil)
}

func (m *Memory) ListResources(_ context.Context, resourceType string, filters map[string]any) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return Fail("not connected")
	}

	var out []map[string]any
	for _, rec := range m.records[resourceType] {
		if matches(rec, filters) {
			out = append(out, rec)
		}
	}
	return Ok(out)
}

func (m *Memory) GetResource(_ context.Context, resourceType, id string) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return Fail("not connected")
	}

	rec, ok := m.records[resourceType][id]
	if !ok {
		return Fail(fmt.Sprintf("no %s %s", resourceType, id))
	}
	return Ok(rec)
}

func (m *Memory) CreateResource(_ context.Context, resourceType string, payload map[string]any) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Fail("not connected")
	}

	id, _ := payload["id"].(string)
	if id == "" {
		return Fail("payload needs an id")
	}
	byID, ok := m.records[resourceType]
	if !ok {
		byID = make(map[string]map[string]any)
		m.records[resourceType] = byID
	}
	if _, exists := byID[id]; exists {
		return Fail(fmt.Sprintf("%s %s already exists", resourceType, id))
	}
	byID[id] = payload
	return Ok(payload)
}

func (m *Memory) UpdateResource(_ context.Context, resourceType, id string, payload map[string]any) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Fail("not connected")
	}

	rec, ok := m.records[resourceType][id]
	if !ok {
		return Fail(fmt.Sprintf("no %s %s", resourceType, id))
	}
	for k, v := range payload {
		rec[k] = v
	}
	return Ok(rec)
}

func (m *Memory) DeleteResource(_ context.Context, resourceType, id string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Fail("not connected")
	}

	if _, ok := m.records[resourceType][id]; !ok {
		return Fail(fmt.Sprintf("no %s %s", resourceType, id))
	}
	delete(m.records[resourceType], id)
	return Ok(nil)
}

func matches(rec map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		if fmt.Sprint(rec[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
