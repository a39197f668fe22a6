package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nfrund/sphere/internal/errs"
)

// Version is the protocol tag carried by every envelope.
const Version = "2.0"

// Envelope is the JSON wire message.
//
// A message with Method set is a request, one with Result or Error (and no
// Method) is a response, anything else is a notification.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Time    int64           `json:"time,omitempty"`
}

// IsRPC reports whether the envelope carries the protocol tag.
func (e *Envelope) IsRPC() bool { return e.JSONRPC != "" }

// IsRequest reports whether the envelope names a method.
func (e *Envelope) IsRequest() bool { return e.Method != "" }

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && (len(e.Result) > 0 || len(e.Error) > 0)
}

// ParamList splits Params into positional arguments.
func (e *Envelope) ParamList() (Params, error) {
	if len(e.Params) == 0 || string(e.Params) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(e.Params, &list); err != nil {
		return nil, errs.Wrap(errs.InvalidPayload, "bus.params", err, "params is not an array")
	}
	return Params(list), nil
}

func newEnvelope(now time.Time) *Envelope {
	return &Envelope{JSONRPC: Version, Time: now.UnixMilli()}
}

// encodeArgs marshals positional arguments as a JSON array. Nil args encode
// as an empty array.
func encodeArgs(args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("the message payload must be serialisable as JSON: %w", err)
	}
	return raw, nil
}

// Params are the positional arguments of a request.
type Params []json.RawMessage

// Len returns the number of arguments.
func (p Params) Len() int { return len(p) }

// Decode unmarshals arguments into dst in order. Missing arguments leave the
// destination untouched; a nil destination skips its argument.
func (p Params) Decode(dst ...any) error {
	for i, d := range dst {
		if i >= len(p) {
			break
		}
		if d == nil {
			continue
		}
		if err := json.Unmarshal(p[i], d); err != nil {
			return errs.Wrap(errs.InvalidPayload, "bus.params", err, "argument %d", i)
		}
	}
	return nil
}

// Values returns the arguments as raw values, ready for re-encoding.
func (p Params) Values() []any {
	out := make([]any, len(p))
	for i, v := range p {
		out[i] = v
	}
	return out
}

// Result is the outcome of a correlated call.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Decode unmarshals the result value into dst, or returns the call's error.
func (r Result) Decode(dst any) error {
	if r.Err != nil {
		return r.Err
	}
	if dst == nil || len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, dst)
}

// RemoteError is the error value of a response envelope.
type RemoteError struct {
	Value json.RawMessage
}

// Error returns the remote message. String errors are unquoted.
func (e *RemoteError) Error() string {
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	return string(e.Value)
}

// Is matches errs.ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return errs.KindOf(target) == errs.Remote
}

// encodeError turns a handler error into the wire error value. RemoteErrors
// pass through unchanged so structured errors survive a relay.
func encodeError(err error) json.RawMessage {
	if re, ok := err.(*RemoteError); ok && len(re.Value) > 0 {
		return re.Value
	}
	raw, _ := json.Marshal(err.Error())
	return raw
}

func resultOf(env *Envelope) Result {
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return Result{Err: &RemoteError{Value: env.Error}}
	}
	return Result{Value: env.Result}
}
