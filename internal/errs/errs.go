// Package errs defines the error taxonomy shared by the bus, the service layer
// and the module supervisor.
//
// Every error carries a Kind so callers can branch with errors.Is against the
// exported sentinels without string matching:
//
//	if errors.Is(err, errs.ErrUnboundParameter) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	MalformedTemplate     Kind = "malformed_template"
	InvalidParameter      Kind = "invalid_parameter"
	UnboundParameter      Kind = "unbound_parameter"
	SchemaNotFound        Kind = "schema_not_found"
	MissingRequiredMethod Kind = "missing_required_method"
	MethodClash           Kind = "method_clash"
	TooManyArguments      Kind = "too_many_arguments"
	Validation            Kind = "validation"
	InvalidPayload        Kind = "invalid_payload"
	NoListeners           Kind = "no_listeners"
	ModuleNotFound        Kind = "module_not_found"
	PackageDescriptor     Kind = "package_descriptor"
	UncaughtHandler       Kind = "uncaught_handler"
	UnsupportedMethod     Kind = "unsupported_method"
	Timeout               Kind = "timeout"
	Remote                Kind = "remote"
	ForcedShutdown        Kind = "forced_shutdown"
)

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrMalformedTemplate     = &Error{Kind: MalformedTemplate}
	ErrInvalidParameter      = &Error{Kind: InvalidParameter}
	ErrUnboundParameter      = &Error{Kind: UnboundParameter}
	ErrSchemaNotFound        = &Error{Kind: SchemaNotFound}
	ErrMissingRequiredMethod = &Error{Kind: MissingRequiredMethod}
	ErrMethodClash           = &Error{Kind: MethodClash}
	ErrTooManyArguments      = &Error{Kind: TooManyArguments}
	ErrValidation            = &Error{Kind: Validation}
	ErrInvalidPayload        = &Error{Kind: InvalidPayload}
	ErrNoListeners           = &Error{Kind: NoListeners}
	ErrModuleNotFound        = &Error{Kind: ModuleNotFound}
	ErrPackageDescriptor     = &Error{Kind: PackageDescriptor}
	ErrUncaughtHandler       = &Error{Kind: UncaughtHandler}
	ErrUnsupportedMethod     = &Error{Kind: UnsupportedMethod}
	ErrTimeout               = &Error{Kind: Timeout}
	ErrRemote                = &Error{Kind: Remote}
	ErrForcedShutdown        = &Error{Kind: ForcedShutdown}
)

// Error is the structured error returned throughout the module.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// New creates an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind with an underlying cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
