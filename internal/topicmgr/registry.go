package topicmgr

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds topics by name. It does not validate them; Manager does.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]Topic
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]Topic)}
}

// Register adds topic. Names are unique across framework and modules.
func (r *Registry) Register(topic Topic) error {
	return r.put(topic, false)
}

// Replace is Register, except a module may overwrite its own topics.
// Framework topics and other modules' topics are never replaced.
func (r *Registry) Replace(topic Topic) error {
	return r.put(topic, true)
}

func (r *Registry) put(t Topic, replace bool) error {
	if t == nil || t.Name() == "" {
		return &TopicError{Type: ErrorValidationFailed, Message: "topic needs a name"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.topics[t.Name()]; ok {
		owned := old.Scope() == ScopeModule && old.Module() == t.Module()
		if !replace || !owned {
			return &TopicError{
				Type:    ErrorDuplicateRegistration,
				Topic:   t.Name(),
				Module:  t.Module(),
				Message: fmt.Sprintf("%s is already registered by %s", t.Name(), owner(old)),
			}
		}
	}
	r.topics[t.Name()] = t
	return nil
}

func owner(t Topic) string {
	if t.Scope() == ScopeFramework {
		return "the framework"
	}
	return "module " + t.Module()
}

// Get looks a topic up by name.
func (r *Registry) Get(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// List returns every topic sorted by name.
func (r *Registry) List() []Topic {
	return r.filter(nil)
}

// ListByModule returns the topics owned by module.
func (r *Registry) ListByModule(module string) []Topic {
	return r.filter(func(t Topic) bool { return t.Module() == module })
}

// ListByScope returns the topics of one scope.
func (r *Registry) ListByScope(scope TopicScope) []Topic {
	return r.filter(func(t Topic) bool { return t.Scope() == scope })
}

func (r *Registry) filter(keep func(Topic) bool) []Topic {
	r.mu.RLock()
	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RemoveModule drops the topics owned by module and reports how many there
// were.
func (r *Registry) RemoveModule(module string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for name, t := range r.topics {
		if t.Scope() == ScopeModule && t.Module() == module {
			delete(r.topics, name)
			n++
		}
	}
	return n
}

// Count returns the number of registered topics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
