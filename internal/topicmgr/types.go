package topicmgr

import (
	"time"

	"github.com/nfrund/sphere/internal/topic"
)

// Topic is a named, documented topic template.
type Topic interface {
	// Name returns the unique dotted identifier, e.g. "module.start".
	Name() string

	// Module returns the module that owns this topic (empty for framework topics)
	Module() string

	// Description returns human-readable documentation
	Description() string

	// Pattern returns the raw template string
	Pattern() string

	// Example returns a concrete topic that matches the pattern
	Example() string

	// Scope returns whether this is a framework or module topic
	Scope() TopicScope

	// Template returns the compiled template, nil if the pattern is malformed
	Template() *topic.Template
}

// TypedTopic is the standard Topic implementation.
type TypedTopic struct {
	name        string
	module      string
	description string
	pattern     string
	example     string
	scope       TopicScope
	template    *topic.Template
	parseErr    error
}

var _ Topic = (*TypedTopic)(nil)

// TopicConfig holds configuration for creating a new topic
type TopicConfig struct {
	Name        string        `json:"name" yaml:"name"`
	Module      string        `json:"module" yaml:"module"`
	Scope       TopicScope    `json:"scope" yaml:"scope"`
	Description string        `json:"description" yaml:"description"`
	Pattern     string        `json:"pattern" yaml:"pattern"`
	Example     string        `json:"example" yaml:"example"`
	QoS         byte          `json:"qos" yaml:"qos"`
	Retain      bool          `json:"retain" yaml:"retain"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// TopicScope defines whether a topic belongs to framework or module level
type TopicScope string

const (
	ScopeFramework TopicScope = "framework" // built-in sphere topics
	ScopeModule    TopicScope = "module"    // topics declared by a module descriptor
)

// TopicError represents structured errors in the topic management system
type TopicError struct {
	Type    ErrorType `json:"type"`
	Topic   string    `json:"topic"`
	Module  string    `json:"module"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

// ErrorType defines the type of topic management error
type ErrorType string

const (
	ErrorTopicNotFound         ErrorType = "topic_not_found"
	ErrorDuplicateRegistration ErrorType = "duplicate_registration"
	ErrorInvalidPattern        ErrorType = "invalid_pattern"
	ErrorValidationFailed      ErrorType = "validation_failed"
	ErrorInvalidScope          ErrorType = "invalid_scope"
)

// Error implements the error interface
func (e *TopicError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TopicError) Unwrap() error {
	return e.Cause
}

func newTypedTopic(config TopicConfig) *TypedTopic {
	t := &TypedTopic{
		name:        config.Name,
		module:      config.Module,
		description: config.Description,
		pattern:     config.Pattern,
		example:     config.Example,
		scope:       config.Scope,
	}
	t.template, t.parseErr = topic.Parse(config.Pattern,
		topic.QoS(config.QoS), topic.Retain(config.Retain), topic.Timeout(config.Timeout))
	return t
}

func (t *TypedTopic) Name() string { return t.name }

func (t *TypedTopic) Module() string { return t.module }

func (t *TypedTopic) Description() string { return t.description }

func (t *TypedTopic) Pattern() string { return t.pattern }

func (t *TypedTopic) Example() string { return t.example }

func (t *TypedTopic) Scope() TopicScope { return t.scope }

func (t *TypedTopic) Template() *topic.Template { return t.template }

// String returns the topic name for easy debugging
func (t *TypedTopic) String() string {
	return t.name
}
