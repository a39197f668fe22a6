package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nfrund/sphere/internal/errs"
)

var jsonNull = json.RawMessage("null")

// ServiceValidators are the compiled validators of one service.
type ServiceValidators struct {
	Service *Service
	Methods map[string]*MethodValidator
	Events  map[string]*EventValidator
}

// Method returns the validator for name, or nil.
func (v *ServiceValidators) Method(name string) *MethodValidator {
	return v.Methods[name]
}

// Event returns the validator for name, or nil.
func (v *ServiceValidators) Event(name string) *EventValidator {
	return v.Events[name]
}

type param struct {
	name   string
	schema any
	def    json.RawMessage
}

// MethodValidator checks and completes method parameters and validates return
// values.
type MethodValidator struct {
	Name    string
	params  []param
	tuple   *gojsonschema.Schema
	returns *gojsonschema.Schema
}

// EventValidator checks event payloads.
type EventValidator struct {
	Name   string
	schema *gojsonschema.Schema
}

func (c *Catalog) compileService(svc *Service) (*ServiceValidators, error) {
	out := &ServiceValidators{
		Service: svc,
		Methods: make(map[string]*MethodValidator, len(svc.Methods)),
		Events:  make(map[string]*EventValidator, len(svc.Events)),
	}

	for name, spec := range svc.Methods {
		mv, err := c.compileMethod(name, spec)
		if err != nil {
			return nil, fmt.Errorf("service %s method %s: %w", svc.ID, name, err)
		}
		out.Methods[name] = mv
	}

	for name, spec := range svc.Events {
		ev := &EventValidator{Name: name}
		if len(spec.Value) > 0 {
			s, err := c.compile(spec.Value)
			if err != nil {
				return nil, fmt.Errorf("service %s event %s: %w", svc.ID, name, err)
			}
			ev.schema = s
		}
		out.Events[name] = ev
	}
	return out, nil
}

func (c *Catalog) compileMethod(name string, spec MethodSpec) (*MethodValidator, error) {
	mv := &MethodValidator{Name: name}
	items := make([]any, 0, len(spec.Params))

	for _, p := range spec.Params {
		value := p.Value
		if len(value) == 0 {
			value = json.RawMessage("{}")
		}
		resolved, err := c.Resolve(value)
		if err != nil {
			return nil, err
		}
		pr := param{name: p.Name, schema: resolved}
		if obj, ok := resolved.(map[string]any); ok {
			if d, ok := obj["default"]; ok {
				if pr.def, err = json.Marshal(d); err != nil {
					return nil, err
				}
			}
		}
		mv.params = append(mv.params, pr)
		items = append(items, resolved)
	}

	tuple := map[string]any{"type": "array", "items": items, "additionalItems": false}
	if len(items) == 0 {
		tuple = map[string]any{"type": "array", "maxItems": 0}
	}
	s, err := compileValue(tuple)
	if err != nil {
		return nil, err
	}
	mv.tuple = s

	if spec.Returns != nil && len(spec.Returns.Value) > 0 {
		if mv.returns, err = c.compile(spec.Returns.Value); err != nil {
			return nil, err
		}
	}
	return mv, nil
}

// ParamNames returns the declared parameter names in order.
func (m *MethodValidator) ParamNames() []string {
	out := make([]string, len(m.params))
	for i, p := range m.params {
		out[i] = p.name
	}
	return out
}

// Arity is the number of declared parameters.
func (m *MethodValidator) Arity() int { return len(m.params) }

// Defaults returns each parameter's default, nil where none is declared.
func (m *MethodValidator) Defaults() []json.RawMessage {
	out := make([]json.RawMessage, len(m.params))
	for i, p := range m.params {
		out[i] = p.def
	}
	return out
}

// Params completes and validates positional arguments. Missing or null
// arguments take the parameter default; trailing arguments with neither are
// dropped. More arguments than declared parameters is an error.
func (m *MethodValidator) Params(args []json.RawMessage) ([]json.RawMessage, error) {
	if len(args) > len(m.params) {
		return nil, errs.New(errs.TooManyArguments, "", "Too many arguments for method %q", m.Name)
	}

	out := make([]json.RawMessage, len(m.params))
	last := -1
	for i, p := range m.params {
		var supplied json.RawMessage
		if i < len(args) {
			supplied = args[i]
		}
		switch {
		case len(supplied) > 0 && string(supplied) != "null":
			out[i] = supplied
			last = i
		case p.def != nil:
			out[i] = p.def
			last = i
		case i < len(args):
			out[i] = jsonNull
			last = i
		default:
			out[i] = jsonNull
		}
	}
	out = out[:last+1]

	if err := check(m.tuple, out, "params"); err != nil {
		return nil, errs.Wrap(errs.Validation, "", err, "Invalid arguments for method %q", m.Name)
	}
	return out, nil
}

// Returns validates a method result. An absent result is not checked.
func (m *MethodValidator) Returns(result json.RawMessage) error {
	if m.returns == nil || len(result) == 0 || string(result) == "null" {
		return nil
	}
	if err := check(m.returns, result, "result"); err != nil {
		return errs.Wrap(errs.Validation, "", err, "Invalid return value for method %q", m.Name)
	}
	return nil
}

// Validate checks an event payload.
func (e *EventValidator) Validate(payload json.RawMessage) error {
	if e == nil || e.schema == nil {
		return nil
	}
	if len(payload) == 0 {
		payload = jsonNull
	}
	if err := check(e.schema, payload, "event"); err != nil {
		return errs.Wrap(errs.Validation, "", err, "Invalid payload for event %q", e.Name)
	}
	return nil
}
