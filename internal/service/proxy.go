package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/events"
	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/topic"
)

// Proxy is a validated client for a remote service.
//
// Arguments are checked against the contract before anything is published,
// and the service's events are relayed to local listeners by name.
type Proxy struct {
	URI   string
	Topic *topic.Template

	bus        *bus.Bus
	log        *slog.Logger
	validators *schema.ServiceValidators
	emitter    *events.Emitter[json.RawMessage]
	sub        *bus.Subscription
}

// NewProxy builds a proxy for the service uri served on t. It subscribes to
// the service's events immediately.
func NewProxy(b *bus.Bus, schemas schema.Registry, uri string, t *topic.Template, log *slog.Logger) (*Proxy, error) {
	if log == nil {
		log = slog.Default()
	}
	validators, err := schemas.Validators(uri)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		URI:        schema.NormalizeURI(uri),
		Topic:      t,
		bus:        b,
		log:        logging.Component(log, "proxy").With("service", schema.NormalizeURI(uri), "topic", t.SubscribeTopic()),
		validators: validators,
		emitter:    events.New[json.RawMessage](),
	}

	eventTopic, err := t.Join("event/:event")
	if err != nil {
		return nil, err
	}
	if p.sub, err = b.Subscribe(eventTopic.WithTimeout(0), p.relay); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) relay(msg *bus.Message, params bus.Params, _ bus.ReplyFunc) {
	var payload json.RawMessage
	if params.Len() > 0 {
		payload = params[0]
	}
	p.emitter.Emit(msg.Params["event"], payload)
}

// Methods lists the contract's method names.
func (p *Proxy) Methods() []string {
	return p.validators.Service.MethodNames()
}

// prepare checks args and completes them with declared defaults.
func (p *Proxy) prepare(method string, args []any) ([]any, error) {
	const op = "service.Proxy"
	mv := p.validators.Method(method)
	if mv == nil {
		return nil, errs.New(errs.UnsupportedMethod, op, "%s has no method %q", p.URI, method)
	}
	if len(args) > mv.Arity() {
		return nil, errs.New(errs.TooManyArguments, op, "Too many arguments for method %q", method)
	}
	raw, err := EncodeArgs(args...)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidPayload, op, err, "encoding arguments for %q", method)
	}
	params, err := mv.Params(raw)
	if err != nil {
		return nil, err
	}
	return bus.Params(params).Values(), nil
}

// Call invokes method with args. Too many arguments is always returned;
// other argument errors go to cb when one is given. A nil cb still sends a
// correlated request and discards the reply.
func (p *Proxy) Call(method string, args []any, cb bus.Callback) error {
	params, err := p.prepare(method, args)
	if err != nil {
		if cb != nil && errs.KindOf(err) != errs.TooManyArguments {
			cb(bus.Result{Err: err})
			return nil
		}
		return err
	}
	if cb == nil {
		cb = func(bus.Result) {}
	}
	_, err = p.bus.CallMethod(p.Topic, method, params, cb)
	return err
}

// Invoke calls method and waits for its reply or ctx. It must not be used
// from a bus handler.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	params, err := p.prepare(method, args)
	if err != nil {
		return nil, err
	}
	return p.bus.Call(ctx, p.Topic, method, params...)
}

// On listens for one of the service's events.
func (p *Proxy) On(event string, fn func(payload json.RawMessage)) (off func()) {
	return p.emitter.On(event, fn)
}

// OnAny listens for every event of the service.
func (p *Proxy) OnAny(fn func(event string, payload json.RawMessage)) (off func()) {
	return p.emitter.OnAny(fn)
}

// Close stops relaying events.
func (p *Proxy) Close() {
	if p.sub != nil && p.sub.Active() {
		p.bus.Unsubscribe(p.sub)
	}
}
