// Package llm defines the chat model capability used by the edit and apply
// flows, with token budgeting, prompt templates and error classification.
package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/kandev/codepilot/internal/common/config"
)

// Roles a configured model can serve.
const (
	RoleChat  = "chat"
	RoleEdit  = "edit"
	RoleApply = "apply"
)

// DefaultContextLength applies to models configured without one.
const DefaultContextLength = 8192

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage is shorthand for a single user turn.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// Model streams chat completions.
type Model interface {
	Title() string
	Model() string
	ContextLength() int
	// StreamChat yields completion text as it arrives. A non-nil error ends
	// the sequence.
	StreamChat(ctx context.Context, messages []Message) iter.Seq2[string, error]
}

// Factory builds a Model from its configuration.
type Factory func(cfg config.ModelConfig) (Model, error)

// Registry resolves models by title and role.
type Registry struct {
	mu      sync.RWMutex
	models  []Model
	byTitle map[string]Model
	byRole  map[string]Model
}

// NewRegistry builds every configured model with factory. The first model
// that lists a role serves it; a model with no roles serves all of them
// unless another model claims the role.
func NewRegistry(cfgs []config.ModelConfig, factory Factory) (*Registry, error) {
	r := &Registry{
		byTitle: make(map[string]Model),
		byRole:  make(map[string]Model),
	}
	var fallback Model
	for _, cfg := range cfgs {
		m, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", cfg.Title, err)
		}
		r.models = append(r.models, m)
		r.byTitle[m.Title()] = m
		if len(cfg.Roles) == 0 && fallback == nil {
			fallback = m
		}
		for _, role := range cfg.Roles {
			if _, taken := r.byRole[role]; !taken {
				r.byRole[role] = m
			}
		}
	}
	if fallback != nil {
		for _, role := range []string{RoleChat, RoleEdit, RoleApply} {
			if _, taken := r.byRole[role]; !taken {
				r.byRole[role] = fallback
			}
		}
	}
	return r, nil
}

// Add registers m by title and for roles not yet served.
func (r *Registry) Add(m Model, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, m)
	r.byTitle[m.Title()] = m
	for _, role := range roles {
		if _, taken := r.byRole[role]; !taken {
			r.byRole[role] = m
		}
	}
}

// ForRole returns the model serving role.
func (r *Registry) ForRole(role string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byRole[role]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no model configured for role %q", role)
}

// Resolve returns the model titled title, or the role's model when title
// is empty.
func (r *Registry) Resolve(title, role string) (Model, error) {
	if title == "" {
		return r.ForRole(role)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byTitle[title]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown model %q", title)
}

// Models returns every registered model in configuration order.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Model(nil), r.models...)
}

// Collect drains a completion into one string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
