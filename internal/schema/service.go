package schema

import (
	"encoding/json"
	"strings"
)

// Service is a service contract: the methods a bound target answers and the
// events it emits.
//
//	{
//	  "id": "/service/test-service",
//	  "methods": {
//	    "sayHello": {
//	      "params": [{"name": "name", "value": {"type": "string"}}],
//	      "returns": {"value": {"type": "string"}}
//	    }
//	  },
//	  "events": {"greeting": {"value": {"type": "string"}}}
//	}
type Service struct {
	ID          string                `json:"id"`
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	Methods     map[string]MethodSpec `json:"methods,omitempty"`
	Events      map[string]EventSpec  `json:"events,omitempty"`
}

// MethodSpec declares one method.
type MethodSpec struct {
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
	Returns     *ValueSpec  `json:"returns,omitempty"`
	// Required defaults to true when absent.
	Required *bool `json:"required,omitempty"`
}

// IsRequired reports whether a bound target must implement the method.
func (m MethodSpec) IsRequired() bool {
	return m.Required == nil || *m.Required
}

// ParamSpec is one positional parameter.
type ParamSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value"`
}

// ValueSpec wraps a value schema.
type ValueSpec struct {
	Value json.RawMessage `json:"value"`
}

// EventSpec declares one event and its payload schema.
type EventSpec struct {
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value"`
}

// MethodNames returns the declared method names.
func (s *Service) MethodNames() []string {
	return sortedKeys(s.Methods)
}

// EventNames returns the declared event names.
func (s *Service) EventNames() []string {
	return sortedKeys(s.Events)
}

// NormalizeURI gives every schema identifier a single leading slash, so
// "protocol/light" and "/protocol/light" name the same document.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" || strings.Contains(uri, "://") {
		return uri
	}
	return "/" + strings.TrimLeft(uri, "/")
}
