package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownVerb is returned when application data names a verb with no
// registered factory.
var ErrUnknownVerb = errors.New("unknown verb")

// Factory builds a task from its raw application data.
type Factory func(raw json.RawMessage) (Task, error)

// Parser turns raw application data into tasks.
type Parser interface {
	Parse(data []byte) ([]Task, error)
}

// Registry maps verb names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty verb registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for verb.
func (r *Registry) Register(verb string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[verb] = f
}

// Verbs returns the registered verb names, sorted.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type verbHeader struct {
	Verb string `json:"verb"`
}

// Parse accepts a JSON array of verb objects or a single verb object.
func (r *Registry) Parse(data []byte) ([]Task, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty application")
	}

	var items []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode application: %w", err)
		}
	} else {
		items = []json.RawMessage{json.RawMessage(data)}
	}

	tasks := make([]Task, 0, len(items))
	for i, item := range items {
		t, err := r.ParseOne(item)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ParseOne builds a single task from one verb object.
func (r *Registry) ParseOne(raw json.RawMessage) (Task, error) {
	var h verbHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode verb: %w", err)
	}
	if h.Verb == "" {
		return nil, errors.New("missing verb")
	}

	r.mu.RLock()
	f, ok := r.factories[h.Verb]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, h.Verb)
	}
	return f(raw)
}

// Serialize renders tasks as an ordered list of {verbName: taskJSON}.
func Serialize(tasks []Task) ([]map[string]json.RawMessage, error) {
	out := make([]map[string]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		data, err := t.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", t.Name(), err)
		}
		out = append(out, map[string]json.RawMessage{t.Name(): data})
	}
	return out, nil
}
