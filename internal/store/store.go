// Package store implements the tenant-scoped in-memory resource store and the
// synchronous change feed the subscription engine consumes. All state lives in
// process memory; nothing is persisted.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrDeleted  = errors.New("resource deleted")
)

// Resource is a parsed record body. The map is treated as immutable once
// stored; mutations go through Update with a fresh body.
type Resource map[string]interface{}

// Type returns the resourceType element, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id element, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// ChangeKind is the store interaction that produced a change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one accepted mutation. Previous is nil for create; Current is nil
// for delete.
type Change struct {
	Kind         ChangeKind
	ResourceType string
	ID           string
	Previous     Resource
	Current      Resource
}

// ChangeListener observes accepted mutations. OnChange runs synchronously
// inside the mutating call, before the store acknowledges the write, so
// listeners see changes in exactly the order the store accepted them.
type ChangeListener interface {
	OnChange(ctx context.Context, ch Change)
}

type entry struct {
	resource Resource
	version  int64
	deleted  bool
}

// Store holds one tenant's resources keyed by type and id.
//
// writeMu serializes mutations together with their change notifications, so
// listeners observe changes in exactly the acceptance order. Reads only take
// mu and never wait on listeners.
type Store struct {
	writeMu   sync.Mutex
	mu        sync.RWMutex
	resources map[string]map[string]*entry
	listeners []ChangeListener
}

func New() *Store {
	return &Store{resources: make(map[string]map[string]*entry)}
}

// AddListener registers a change listener. Must be called before the store
// starts accepting mutations.
func (s *Store) AddListener(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Create stores a new resource. When the body has no id, one is assigned.
// The stored copy carries meta.versionId "1".
func (s *Store) Create(ctx context.Context, resourceType string, body Resource) (Resource, error) {
	if body.Type() != "" && body.Type() != resourceType {
		return nil, fmt.Errorf("body resourceType %q does not match %q", body.Type(), resourceType)
	}
	id := body.ID()
	if id == "" {
		id = uuid.NewString()
	}

	stored := cloneResource(body)
	stored["resourceType"] = resourceType
	stored["id"] = id
	setMeta(stored, 1)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	byID := s.resources[resourceType]
	if byID == nil {
		byID = make(map[string]*entry)
		s.resources[resourceType] = byID
	}
	if e, ok := byID[id]; ok && !e.deleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s/%s already exists", resourceType, id)
	}
	byID[id] = &entry{resource: stored, version: 1}
	s.mu.Unlock()

	s.notify(ctx, Change{
		Kind:         ChangeCreate,
		ResourceType: resourceType,
		ID:           id,
		Current:      stored,
	})
	return stored, nil
}

// Update replaces the resource body, bumping meta.versionId. Updating a
// tombstoned id revives it as a new version chain.
func (s *Store) Update(ctx context.Context, resourceType, id string, body Resource) (Resource, error) {
	if body.Type() != "" && body.Type() != resourceType {
		return nil, fmt.Errorf("body resourceType %q does not match %q", body.Type(), resourceType)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	e, ok := s.resources[resourceType][id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("update %s/%s: %w", resourceType, id, ErrNotFound)
	}
	previous := e.resource
	stored := cloneResource(body)
	stored["resourceType"] = resourceType
	stored["id"] = id
	e.version++
	setMeta(stored, e.version)
	e.resource = stored
	s.mu.Unlock()

	s.notify(ctx, Change{
		Kind:         ChangeUpdate,
		ResourceType: resourceType,
		ID:           id,
		Previous:     previous,
		Current:      stored,
	})
	return stored, nil
}

// Delete removes the resource, leaving a tombstone so later bundling can
// distinguish "deleted" from "never existed".
func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	e, ok := s.resources[resourceType][id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, ErrNotFound)
	}
	previous := e.resource
	e.deleted = true
	e.resource = nil
	s.mu.Unlock()

	s.notify(ctx, Change{
		Kind:         ChangeDelete,
		ResourceType: resourceType,
		ID:           id,
		Previous:     previous,
	})
	return nil
}

// Get returns the current body. ErrDeleted distinguishes a tombstone from an
// id that was never stored.
func (s *Store) Get(resourceType, id string) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resources[resourceType][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, ErrNotFound)
	}
	if e.deleted {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, ErrDeleted)
	}
	return e.resource, nil
}

// List returns all live resources of a type ordered by id, so repeated
// calls page consistently.
func (s *Store) List(resourceType string) []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources[resourceType]))
	for _, e := range s.resources[resourceType] {
		if !e.deleted {
			out = append(out, e.resource)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["id"].(string)
		b, _ := out[j]["id"].(string)
		return a < b
	})
	return out
}

func (s *Store) notify(ctx context.Context, ch Change) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnChange(ctx, ch)
	}
}

func setMeta(r Resource, version int64) {
	meta, _ := r["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.FormatInt(version, 10)
	meta["lastUpdated"] = time.Now().UTC().Format(time.RFC3339)
	r["meta"] = meta
}

func cloneResource(r Resource) Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
