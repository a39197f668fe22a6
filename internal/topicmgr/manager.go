package topicmgr

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/topic"
)

// Manager validates topic definitions and resolves names to templates.
type Manager struct {
	registry  *Registry
	validator *Validator
	log       *slog.Logger
	mu        sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:  NewRegistry(),
		validator: NewValidator(),
		log:       log.With("component", "topics"),
	}
}

// DefineFramework creates a new typed topic for built-in services
func DefineFramework(config TopicConfig) Topic {
	config.Scope = ScopeFramework
	config.Module = ""
	return newTypedTopic(config)
}

// DefineModule creates a new typed topic owned by a module
func DefineModule(config TopicConfig) Topic {
	config.Scope = ScopeModule
	return newTypedTopic(config)
}

// Register validates topic and adds it to the registry
func (m *Manager) Register(topic Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validator.ValidateDefinition(topic); err != nil {
		return &TopicError{
			Type:    ErrorValidationFailed,
			Topic:   topic.Name(),
			Module:  topic.Module(),
			Message: "topic validation failed",
			Cause:   err,
		}
	}

	return m.registry.Register(topic)
}

// MustRegister registers a topic and panics on error (for static initialization)
func (m *Manager) MustRegister(topic Topic) {
	if err := m.Register(topic); err != nil {
		panic(fmt.Sprintf("failed to register topic %s: %v", topic.Name(), err))
	}
}

// Get retrieves a topic by name
func (m *Manager) Get(name string) (Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Get(name)
}

// Template returns the compiled template registered under name.
func (m *Manager) Template(name string) (*topic.Template, error) {
	t, ok := m.Get(name)
	if !ok {
		return nil, &TopicError{
			Type:    ErrorTopicNotFound,
			Topic:   name,
			Message: fmt.Sprintf("topic not found: %s", name),
		}
	}
	return t.Template(), nil
}

// Bind returns the template registered under name with params bound.
func (m *Manager) Bind(name string, params map[string]string) (*topic.Template, error) {
	t, err := m.Template(name)
	if err != nil {
		return nil, err
	}
	return t.Bind(params)
}

// MustTemplate is like Template but panics when name is unknown.
func (m *Manager) MustTemplate(name string) *topic.Template {
	t, err := m.Template(name)
	if err != nil {
		panic(err)
	}
	return t
}

// List returns all registered topics
func (m *Manager) List() []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.List()
}

// ListByModule returns topics for a specific module
func (m *Manager) ListByModule(module string) []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.ListByModule(module)
}

// ListByScope returns topics for a specific scope (framework or module)
func (m *Manager) ListByScope(scope TopicScope) []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.ListByScope(scope)
}

// ListModules returns all module names that have registered topics
func (m *Manager) ListModules() []string {
	set := make(map[string]bool)
	for _, t := range m.ListByScope(ScopeModule) {
		set[t.Module()] = true
	}
	modules := make([]string, 0, len(set))
	for module := range set {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	return modules
}

// FindTopics returns topics whose name matches pattern. A trailing '*'
// matches any suffix.
func (m *Manager) FindTopics(pattern string) []Topic {
	var matches []Topic
	for _, t := range m.List() {
		if matchesPattern(t.Name(), pattern) {
			matches = append(matches, t)
		}
	}
	return matches
}

func matchesPattern(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return name == pattern
}

// Resolve returns every registered topic whose template matches the
// concrete topic, with the captured parameters.
func (m *Manager) Resolve(concrete string) []Resolved {
	var out []Resolved
	for _, t := range m.List() {
		if params, ok := t.Template().Match(concrete); ok {
			out = append(out, Resolved{Topic: t, Params: params})
		}
	}
	return out
}

// Resolved is a topic matched against a concrete topic string.
type Resolved struct {
	Topic  Topic
	Params map[string]string
}

// LoadDescriptorTopics registers the topics a module declares as
// name -> pattern pairs. Re-loading a module replaces its previous topics;
// framework names cannot be overridden.
func (m *Manager) LoadDescriptorTopics(module string, topics map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		t := DefineModule(TopicConfig{
			Name:        name,
			Module:      module,
			Pattern:     topics[name],
			Description: fmt.Sprintf("Declared by module %s", module),
		})
		if err := m.validator.ValidateDefinition(t); err != nil {
			return count, errs.Wrap(errs.PackageDescriptor, "topicmgr.LoadDescriptorTopics", err,
				"module %s topic %s", module, name)
		}
		if err := m.registry.Replace(t); err != nil {
			return count, errs.Wrap(errs.PackageDescriptor, "topicmgr.LoadDescriptorTopics", err,
				"module %s topic %s", module, name)
		}
		count++
	}
	if count > 0 {
		m.log.Debug("Loaded module topics", "module", module, "count", count)
	}
	return count, nil
}

// RemoveModule drops every topic registered by module.
func (m *Manager) RemoveModule(module string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.RemoveModule(module)
}

// Count returns the total number of registered topics
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Count()
}
