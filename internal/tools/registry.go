// Package tools holds the deterministic tools the chat orchestrator can
// invoke and the registry that resolves them by name.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/toolchat/internal/domain"
)

// Registry errors.
var (
	ErrNotFound      = errors.New("tool not found")
	ErrAlreadyExists = errors.New("tool already registered")
	ErrEmptyName     = errors.New("tool name is empty")
)

// Descriptor is the catalog entry of a tool.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required_parameters"`
	Optional    []string `json:"optional_parameters,omitempty"`
}

// CallContext is the conversation a tool is invoked from.
type CallContext struct {
	SessionID   string
	UserMessage string
	History     []domain.Message
}

// Tool is a deterministic capability with a named parameter set.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params map[string]string, cc CallContext) (any, error)
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. It fails if a tool with the same name exists.
func (r *Registry) Register(t Tool) error {
	name := t.Descriptor().Name
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	r.tools[name] = t
	return nil
}

// Replace adds t, overwriting any tool registered under the same name.
func (r *Registry) Replace(t Tool) error {
	name := t.Descriptor().Name
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// List returns the descriptors of all tools sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, d := range list {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
