package topicmgr

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)*$`)
	modulePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

	reservedPrefixes  = []string{"system.", "internal.", "debug."}
	frameworkPrefixes = []string{
		"module.", // supervisor commands and reports
		"site.",   // cloud topology notifications
		"driver.", // driver services
		"device.", // device and channel services
		"app.",    // app services
	}
)

// Validator provides validation for topic definitions
type Validator struct{}

// NewValidator creates a new topic validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDefinition validates a topic definition
func (v *Validator) ValidateDefinition(topic Topic) error {
	if topic == nil {
		return fmt.Errorf("topic cannot be nil")
	}

	if err := v.ValidateName(topic.Name()); err != nil {
		return fmt.Errorf("invalid topic name: %w", err)
	}

	if strings.TrimSpace(topic.Pattern()) == "" {
		return fmt.Errorf("topic pattern cannot be empty")
	}
	if typed, ok := topic.(*TypedTopic); ok && typed.parseErr != nil {
		return &TopicError{
			Type:    ErrorInvalidPattern,
			Topic:   topic.Name(),
			Module:  topic.Module(),
			Message: "invalid pattern",
			Cause:   typed.parseErr,
		}
	}
	if topic.Template() == nil {
		return fmt.Errorf("topic pattern did not compile")
	}

	if ex := topic.Example(); ex != "" {
		if _, ok := topic.Template().Match(ex); !ok {
			return fmt.Errorf("example %q does not match pattern %q", ex, topic.Pattern())
		}
	}

	switch topic.Scope() {
	case ScopeFramework:
		if err := v.validateFrameworkTopic(topic); err != nil {
			return fmt.Errorf("framework topic validation failed: %w", err)
		}
	case ScopeModule:
		if err := v.validateModuleName(topic.Module()); err != nil {
			return fmt.Errorf("module topic validation failed: %w", err)
		}
	default:
		return &TopicError{
			Type:    ErrorInvalidScope,
			Topic:   topic.Name(),
			Message: fmt.Sprintf("invalid topic scope: %s", topic.Scope()),
		}
	}

	return nil
}

// ValidateName checks that a topic name is dotted lowercase and not reserved
func (v *Validator) ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) > 100 {
		return fmt.Errorf("name too long (max 100 characters)")
	}

	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must be dotted lowercase words, e.g. module.start")
	}

	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("name cannot start with reserved prefix: %s", prefix)
		}
	}

	return nil
}

func (v *Validator) validateFrameworkTopic(topic Topic) error {
	if topic.Module() != "" {
		return fmt.Errorf("framework topics should not have a module")
	}

	for _, prefix := range frameworkPrefixes {
		if strings.HasPrefix(topic.Name(), prefix) {
			return nil
		}
	}
	return fmt.Errorf("framework topic must start with a valid prefix: %v", frameworkPrefixes)
}

func (v *Validator) validateModuleName(module string) error {
	if strings.TrimSpace(module) == "" {
		return fmt.Errorf("module topics must specify a module")
	}

	if len(module) > 100 {
		return fmt.Errorf("module name too long (max 100 characters)")
	}

	if !modulePattern.MatchString(module) {
		return fmt.Errorf("module name %q must be lowercase alphanumeric with dashes, dots or underscores", module)
	}

	return nil
}
