// Package state holds the single authoritative agent state of the process.
//
// The state is owned by a Store and only ever observed through Snapshot or
// changed through Update/UpdateFunc. Every mutation is a merge-patch applied
// under one mutex, so concurrent updates are totally ordered and no reader
// sees a half-applied patch.
package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Status is the coarse lifecycle status of the agent
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusBusy    Status = "BUSY"
	StatusHalted  Status = "HALTED"
	StatusOffline Status = "OFFLINE"
)

// Descriptions used by the control protocol for current_task
const (
	TaskWaiting  = "Waiting for commands..."
	TaskHalted   = "EMERGENCY STOP ACTIVATED"
	TaskThinking = "Thinking..."
	TaskReady    = "Ready"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusHalted, StatusOffline:
		return true
	}
	return false
}

// ParseStatus parses a status name, case-insensitively
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

// AgentState is an immutable snapshot of the shared agent record.
// Revision increases by one for every applied patch and is not part of the
// wire format.
type AgentState struct {
	Status      Status                 `json:"status"`
	CurrentTask string                 `json:"current_task"`
	Metadata    map[string]interface{} `json:"metadata"`
	Revision    uint64                 `json:"-"`
}

// Patch is a partial update. Nil fields are left untouched.
// Metadata keys are merged one level deep; a key mapped to nil is deleted.
// Values are copied into the store, so the caller keeps ownership of p.
type Patch struct {
	Status      *Status
	CurrentTask *string
	Metadata    map[string]interface{}
}

// SetStatus returns a patch setting status and current task
func SetStatus(status Status, task string) Patch {
	return Patch{Status: &status, CurrentTask: &task}
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Status == nil && p.CurrentTask == nil && len(p.Metadata) == 0
}

// Validate checks the patch without applying it
func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	for k, v := range p.Metadata {
		if k == "" {
			return fmt.Errorf("metadata key must not be empty")
		}
		if v == nil {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("metadata %q is not JSON-compatible: %w", k, err)
		}
	}
	return nil
}

// apply returns a new state with p merged over s
func (p Patch) apply(s AgentState) AgentState {
	next := AgentState{
		Status:      s.Status,
		CurrentTask: s.CurrentTask,
		Metadata:    cloneMetadata(s.Metadata),
		Revision:    s.Revision + 1,
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.CurrentTask != nil {
		next.CurrentTask = *p.CurrentTask
	}
	for k, v := range p.Metadata {
		if v == nil {
			delete(next.Metadata, k)
			continue
		}
		next.Metadata[k] = ownValue(v)
	}
	return next
}

// Clone returns a copy of the state whose metadata, including nested maps
// and slices, may be modified freely
func (s AgentState) Clone() AgentState {
	s.Metadata = cloneMetadata(s.Metadata)
	return s
}

// Store owns the process-wide AgentState
type Store struct {
	mu      sync.Mutex
	current AgentState
}

// Default returns the state a freshly started process begins with
func Default() AgentState {
	return AgentState{
		Status:      StatusIdle,
		CurrentTask: TaskWaiting,
		Metadata:    map[string]interface{}{},
	}
}

// NewStore creates a store holding initial
func NewStore(initial AgentState) *Store {
	if !initial.Status.Valid() {
		initial.Status = StatusIdle
	}
	owned := make(map[string]interface{}, len(initial.Metadata))
	for k, v := range initial.Metadata {
		owned[k] = ownValue(v)
	}
	initial.Metadata = owned
	return &Store{current: initial}
}

// Snapshot returns the current state. The returned value shares nothing
// with the store.
func (s *Store) Snapshot() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Update merges p into the current state and returns the resulting state
func (s *Store) Update(p Patch) (AgentState, error) {
	if err := p.Validate(); err != nil {
		return AgentState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = p.apply(s.current)
	return s.current.Clone(), nil
}

// UpdateFunc computes a patch from the current state and applies it in the
// same critical section. fn must not block; it runs with the store locked.
// If fn returns false, or an invalid patch, nothing is applied and the
// unchanged state is returned with applied=false.
func (s *Store) UpdateFunc(fn func(current AgentState) (Patch, bool)) (next AgentState, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := fn(s.current.Clone())
	if !ok || p.Validate() != nil {
		return s.current.Clone(), false
	}
	s.current = p.apply(s.current)
	return s.current.Clone(), true
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON containers of v. Anything else stored in
// metadata is an immutable scalar, see ownValue.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMetadata(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ownValue converts a patch value into a form the store can hold without
// sharing memory with the caller. Scalars are kept as they are; generic JSON
// containers are copied; any other composite (typed slices, structs,
// pointers) is stored as its decoded JSON form.
func ownValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return cloneValue(v)
	case json.Number:
		return v
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		// unreachable after Validate
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
