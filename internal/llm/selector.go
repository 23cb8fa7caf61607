package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownModel is returned for a model choice that was never registered
var ErrUnknownModel = errors.New("unknown model choice")

// Choice is one selectable model, served by a named backend
type Choice struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

// Selector routes completion requests to the backend serving a model choice.
// Switching choices changes only where a request is sent, never its messages.
type Selector struct {
	mu         sync.RWMutex
	backends   map[string]Backend
	choices    []Choice
	byName     map[string]Choice
	defaultKey string
}

// NewSelector creates an empty Selector
func NewSelector() *Selector {
	return &Selector{
		backends: make(map[string]Backend),
		byName:   make(map[string]Choice),
	}
}

// Register adds a backend and the models it serves. Each model name becomes
// a choice. The first registered choice is the default.
func (s *Selector) Register(backend Backend, models ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backends[backend.Name()] = backend
	for _, model := range models {
		if model == "" {
			continue
		}
		if _, exists := s.byName[model]; exists {
			continue
		}
		choice := Choice{Name: model, Backend: backend.Name(), Model: model}
		s.choices = append(s.choices, choice)
		s.byName[model] = choice
		if s.defaultKey == "" {
			s.defaultKey = model
		}
	}
}

// SetDefault makes name the default choice
func (s *Selector) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	s.defaultKey = name
	return nil
}

// Default returns the default choice name, empty when nothing is registered
func (s *Selector) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultKey
}

// Has reports whether name is a registered choice
func (s *Selector) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[name]
	return ok
}

// Choices returns all registered choices in registration order
func (s *Selector) Choices() []Choice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Choice, len(s.choices))
	copy(out, s.choices)
	return out
}

// Complete sends messages to the backend serving choice. An empty choice
// uses the default.
func (s *Selector) Complete(ctx context.Context, choice string, messages []Message) (string, error) {
	s.mu.RLock()
	if choice == "" {
		choice = s.defaultKey
	}
	c, ok := s.byName[choice]
	var backend Backend
	if ok {
		backend = s.backends[c.Backend]
	}
	s.mu.RUnlock()

	if !ok || backend == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, choice)
	}

	return backend.Complete(ctx, &Request{Model: c.Model, Messages: messages})
}

// Close closes every registered backend
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}
