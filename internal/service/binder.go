// Package service exposes local objects as bus services described by a
// schema contract, and builds validated client proxies for remote ones.
package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/events"
	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/topic"
)

// BindOptions describe one binding of a target to a contract.
type BindOptions struct {
	// URI identifies the service contract, e.g. "/service/device".
	URI string
	// Target implements the contract. It must be comparable, usually a
	// pointer.
	Target Target
	// Mapping renames contract methods to local method names.
	Mapping map[string]string
	// Topic is the fully bound request topic.
	Topic *topic.Template
	// Announcement holds extra fields merged into the announce event.
	Announcement map[string]any
}

// Binder binds targets to service contracts on a bus.
type Binder struct {
	bus     *bus.Bus
	schemas schema.Registry
	log     *slog.Logger

	mu sync.Mutex
	// claims maps target -> local method -> contract URI.
	claims map[Target]map[string]string
}

// NewBinder creates a binder.
func NewBinder(b *bus.Bus, schemas schema.Registry, log *slog.Logger) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{
		bus:     b,
		schemas: schemas,
		log:     logging.Component(log, "binder"),
		claims:  make(map[Target]map[string]string),
	}
}

// Binding is a target exposed under one contract.
type Binding struct {
	URI   string
	Topic *topic.Template
	// Methods are the supported contract method names, sorted.
	Methods []string
	// Events are the contract's declared events, sorted.
	Events []string
	// Emitter carries the target's outgoing events.
	Emitter      *events.Emitter[any]
	Subscription *bus.Subscription

	bus        *bus.Bus
	log        *slog.Logger
	validators *schema.ServiceValidators
	local      map[string]Method
}

// Bind exposes opts.Target on opts.Topic. Contract or wiring problems fail
// here rather than at call time.
func (bd *Binder) Bind(opts BindOptions) (*Binding, error) {
	const op = "service.Bind"
	if opts.Target == nil {
		return nil, errs.New(errs.Validation, op, "no target to bind to %s", opts.URI)
	}
	if opts.Topic == nil {
		return nil, errs.New(errs.Validation, op, "no topic to bind %s on", opts.URI)
	}
	uri := schema.NormalizeURI(opts.URI)

	validators, err := bd.schemas.Validators(uri)
	if err != nil {
		return nil, err
	}
	svc := validators.Service

	addr, err := opts.Topic.PublishTopic()
	if err != nil {
		return nil, err
	}

	log := bd.log.With("service", uri, "topic", addr)
	binding := &Binding{
		URI:        uri,
		Topic:      opts.Topic,
		Events:     svc.EventNames(),
		bus:        bd.bus,
		log:        log,
		validators: validators,
		local:      make(map[string]Method),
	}

	available := opts.Target.ServiceMethods()
	for _, name := range svc.MethodNames() {
		localName := name
		if mapped, ok := opts.Mapping[name]; ok && mapped != "" {
			localName = mapped
		}
		fn, ok := available[localName]
		if !ok || fn == nil {
			if svc.Methods[name].IsRequired() {
				return nil, errs.New(errs.MissingRequiredMethod, op,
					"target is missing required method %q (%s) of %s", name, localName, uri)
			}
			log.Debug("Optional method not implemented", "method", name)
			continue
		}
		binding.local[name] = fn
		binding.Methods = append(binding.Methods, name)
	}
	sort.Strings(binding.Methods)

	if err := bd.claim(opts.Target, uri, binding.Methods, opts.Mapping); err != nil {
		return nil, err
	}

	if len(binding.Methods) > 0 {
		sub, err := bd.bus.Subscribe(opts.Topic.WithTimeout(0), binding.serve)
		if err != nil {
			return nil, err
		}
		binding.Subscription = sub
	}

	if src, ok := opts.Target.(EventSource); ok && src.Events() != nil {
		binding.Emitter = src.Events()
	} else {
		binding.Emitter = events.New[any]()
	}
	for _, name := range binding.Events {
		eventTopic, err := opts.Topic.Join("event/" + name)
		if err != nil {
			return nil, err
		}
		binding.Emitter.On(name, binding.forward(name, eventTopic.WithTimeout(0)))
	}

	if err := binding.announce(addr, opts.Announcement); err != nil {
		return nil, err
	}
	log.Debug("Bound service", "methods", binding.Methods, "events", binding.Events)
	return binding, nil
}

// claim records which contract owns each local method of target. Two
// contracts claiming the same local method on one target is a clash.
func (bd *Binder) claim(target Target, uri string, methods []string, mapping map[string]string) error {
	bd.mu.Lock()
	defer bd.mu.Unlock()

	owned, ok := bd.claims[target]
	if !ok {
		owned = make(map[string]string)
	}
	locals := make([]string, 0, len(methods))
	for _, name := range methods {
		localName := name
		if mapped, ok := mapping[name]; ok && mapped != "" {
			localName = mapped
		}
		if other, taken := owned[localName]; taken && other != uri {
			return errs.New(errs.MethodClash, "service.Bind",
				"method %q is claimed by both %s and %s", localName, other, uri)
		}
		locals = append(locals, localName)
	}
	for _, l := range locals {
		owned[l] = uri
	}
	bd.claims[target] = owned
	return nil
}

func (b *Binding) announce(addr string, extras map[string]any) error {
	announceTopic, err := b.Topic.Join("event/announce")
	if err != nil {
		return err
	}
	body := make(map[string]any, len(extras)+4)
	for k, v := range extras {
		body[k] = v
	}
	methods := b.Methods
	if methods == nil {
		methods = []string{}
	}
	body["topic"] = addr
	body["schema"] = b.URI
	body["supportedMethods"] = methods
	// Events emitted by the target are not known until they fire.
	body["supportedEvents"] = []string{}
	return b.bus.Publish(announceTopic.WithTimeout(0), body)
}

func (b *Binding) forward(name string, eventTopic *topic.Template) events.Listener[any] {
	validator := b.validators.Event(name)
	return func(payload any) {
		raw, err := encodeValue(payload)
		if err != nil {
			b.log.Error("Event payload is not serialisable", "event", name, "error", err)
			return
		}
		if err := validator.Validate(raw); err != nil {
			b.log.Error("Refusing to emit invalid event", "event", name, "error", err)
			return
		}
		if err := b.bus.Publish(eventTopic, raw); err != nil {
			b.log.Error("Failed to publish event", "event", name, "error", err)
		}
	}
}

// Emit sends a contract event through the binding.
func (b *Binding) Emit(event string, payload any) {
	b.Emitter.Emit(event, payload)
}

// Supports reports whether method is served by this binding.
func (b *Binding) Supports(method string) bool {
	_, ok := b.local[method]
	return ok
}

func (b *Binding) serve(msg *bus.Message, params bus.Params, reply bus.ReplyFunc) {
	if reply == nil {
		reply = func(any, error) {}
	}
	method := msg.Envelope.Method
	if !b.Supports(method) {
		b.log.Warn("Unsupported method", "method", method)
		reply(nil, errs.New(errs.UnsupportedMethod, "", "Endpoint does not support the method %q", method))
		return
	}
	b.Invoke(method, params, msg, func(r bus.Result) {
		if r.Err != nil {
			reply(nil, r.Err)
			return
		}
		reply(r.Value, nil)
	})
}

// Invoke runs method on the target with validated arguments. Missing
// arguments take their declared defaults and the result is checked against
// the declared return value before cb sees it.
func (b *Binding) Invoke(method string, params bus.Params, headers *bus.Message, cb bus.Callback) {
	if cb == nil {
		cb = func(bus.Result) {}
	}
	fn, ok := b.local[method]
	if !ok {
		cb(bus.Result{Err: errs.New(errs.UnsupportedMethod, "", "Endpoint does not support the method %q", method)})
		return
	}
	mv := b.validators.Method(method)

	validated, err := mv.Params(params)
	if err != nil {
		b.log.Warn("Rejected call", "method", method, "error", err)
		cb(bus.Result{Err: err})
		return
	}

	call := newCall(method, validated, headers, func(result any, rerr error) {
		if rerr != nil {
			cb(bus.Result{Err: rerr})
			return
		}
		raw, err := encodeValue(result)
		if err != nil {
			cb(bus.Result{Err: fmt.Errorf("unserialisable result: %w", err)})
			return
		}
		if err := mv.Returns(raw); err != nil {
			b.log.Error("Method returned an invalid result", "method", method, "result", string(raw), "error", err)
			cb(bus.Result{Err: err})
			return
		}
		cb(bus.Result{Value: raw})
	})

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Method raised an exception", "method", method, "panic", r)
			if !call.answer(nil, errs.New(errs.UncaughtHandler, "", "Exception: %v", r)) {
				b.log.Warn("Exception after the method had already replied", "method", method)
			}
		}
	}()
	fn(call)
}

// Close stops serving requests. Events emitted afterwards are still
// forwarded.
func (b *Binding) Close() {
	if b.Subscription != nil && b.Subscription.Active() {
		b.bus.Unsubscribe(b.Subscription)
	}
}
