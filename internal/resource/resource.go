// Package resource defines the contract the executor requires of the external
// resource system, plus an in-memory implementation.
package resource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource already exists")
)

// Record is the data of one resource. The "id" key always holds the resource id.
type Record map[string]any

// System is a CRUD store keyed by (resourceType, resourceID). Every mutating
// call returns the state needed to undo it.
type System interface {
	Get(ctx context.Context, resourceType, id string) (Record, error)
	Query(ctx context.Context, resourceType string, filter map[string]any) ([]Record, error)
	Create(ctx context.Context, resourceType string, data Record) (Record, error)
	// Update merges patch into the record and returns the before and after states.
	Update(ctx context.Context, resourceType, id string, patch Record) (before, after Record, err error)
	// Delete removes the record and returns its last state.
	Delete(ctx context.Context, resourceType, id string) (Record, error)
	// Put writes data as the full state of the record, creating it if missing.
	Put(ctx context.Context, resourceType, id string, data Record) error
}

// Memory is a concurrency-safe in-memory System.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
	next atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]Record)}
}

func clone(r Record) Record {
	if r == nil {
		return nil
	}
	return Record(maps.Clone(map[string]any(r)))
}

func (m *Memory) Get(_ context.Context, resourceType, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[resourceType][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return clone(r), nil
}

// Query returns records whose fields equal every filter value, ordered by id.
func (m *Memory) Query(_ context.Context, resourceType string, filter map[string]any) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.data[resourceType] {
		if matches(r, filter) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
	})
	return out, nil
}

func matches(r Record, filter map[string]any) bool {
	for k, v := range filter {
		if fmt.Sprint(r[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (m *Memory) Create(_ context.Context, resourceType string, data Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := clone(data)
	if rec == nil {
		rec = Record{}
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = fmt.Sprintf("%s-%d", resourceType, m.next.Add(1))
		rec["id"] = id
	}
	if _, exists := m.data[resourceType][id]; exists {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrConflict)
	}
	m.table(resourceType)[id] = rec
	return clone(rec), nil
}

func (m *Memory) Update(_ context.Context, resourceType, id string, patch Record) (Record, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[resourceType][id]
	if !ok {
		return nil, nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	before := clone(cur)
	after := clone(cur)
	for k, v := range patch {
		if k == "id" {
			continue
		}
		after[k] = v
	}
	m.data[resourceType][id] = after
	return before, clone(after), nil
}

func (m *Memory) Delete(_ context.Context, resourceType, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[resourceType][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	delete(m.data[resourceType], id)
	return cur, nil
}

func (m *Memory) Put(_ context.Context, resourceType, id string, data Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := clone(data)
	if rec == nil {
		rec = Record{}
	}
	rec["id"] = id
	m.table(resourceType)[id] = rec
	return nil
}

func (m *Memory) table(resourceType string) map[string]Record {
	t, ok := m.data[resourceType]
	if !ok {
		t = make(map[string]Record)
		m.data[resourceType] = t
	}
	return t
}

// Types lists the resource types that hold at least one record.
func (m *Memory) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for t, recs := range m.data {
		if len(recs) > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

var _ System = (*Memory)(nil)
