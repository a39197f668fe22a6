package service

import (
	"encoding/json"
	"sync"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/events"
)

// Method implements one service method. It must eventually answer the call
// with Reply or Fail, possibly from another goroutine.
type Method func(call *Call)

// Target is an object that can be bound to a service contract. Method names
// are the local names, before any mapping is applied.
type Target interface {
	ServiceMethods() map[string]Method
}

// EventSource is implemented by targets that emit their own events. Targets
// without it get an emitter from the binding.
type EventSource interface {
	Events() *events.Emitter[any]
}

// Call is one invocation of a bound method.
type Call struct {
	// Method is the contract name of the invoked method.
	Method string
	// Params are the validated arguments, padded with declared defaults.
	Params bus.Params
	// Headers is the inbound message, nil for local invocations.
	Headers *bus.Message

	once  sync.Once
	reply func(result any, err error)
}

func newCall(method string, params bus.Params, headers *bus.Message, reply func(any, error)) *Call {
	return &Call{Method: method, Params: params, Headers: headers, reply: reply}
}

// Decode unmarshals the arguments into dst in order.
func (c *Call) Decode(dst ...any) error {
	return c.Params.Decode(dst...)
}

// Reply answers the call with result. Later answers are ignored.
func (c *Call) Reply(result any) {
	c.answer(result, nil)
}

// Fail answers the call with err.
func (c *Call) Fail(err error) {
	c.answer(nil, err)
}

func (c *Call) answer(result any, err error) bool {
	answered := false
	c.once.Do(func() {
		answered = true
		c.reply(result, err)
	})
	return answered
}

// EncodeArgs marshals positional arguments for Binding.Invoke.
func EncodeArgs(args ...any) (bus.Params, error) {
	out := make(bus.Params, len(args))
	for i, a := range args {
		raw, err := encodeValue(a)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return val, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}
