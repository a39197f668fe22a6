// Package bus layers request/reply RPC over a publish/subscribe transport.
//
// Every inbound message is dispatched on a single goroutine in arrival
// order, so handlers, reply callbacks and timeout listeners never run
// concurrently with each other. Publish, Subscribe and Unsubscribe are safe
// to call from any goroutine.
//
// A correlated request subscribes to "<topic>/reply" under a fresh id before
// publishing, and the subscription ends after the matching reply or when the
// topic's timeout elapses.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/topic"
	"github.com/nfrund/sphere/internal/transport"
)

// Bus owns a transport connection and the table of live subscriptions.
type Bus struct {
	tr      transport.Transport
	log     *slog.Logger
	trace   bool
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	subs    []*Subscription
	filters map[string]int

	qmu    sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithTrace enables wire-level logging of every message in and out.
func WithTrace(enabled bool) Option {
	return func(b *Bus) { b.trace = enabled }
}

// WithTracer sets the OpenTelemetry tracer used for publish and dispatch
// spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New attaches a bus to tr and starts its dispatch goroutine.
func New(tr transport.Transport, opts ...Option) *Bus {
	b := &Bus{
		tr:      tr,
		log:     slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(tracerName),
		now:     time.Now,
		filters: make(map[string]int),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "bus")

	tr.OnMessage(func(topicName string, payload []byte) {
		b.enqueue(func() { b.dispatch(topicName, payload) })
	})
	go b.loop()
	return b
}

// Close stops dispatching. Pending messages are dropped and the transport is
// left open.
func (b *Bus) Close() {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.qmu.Unlock()

	b.tr.OnMessage(nil)
	close(b.stop)
	<-b.done
}

// enqueue schedules fn on the dispatch goroutine. The queue is unbounded so
// transport callbacks never block.
func (b *Bus) enqueue(fn func()) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.queue = append(b.queue, fn)
	b.qmu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}
		for {
			b.qmu.Lock()
			if len(b.queue) == 0 || b.closed {
				b.qmu.Unlock()
				break
			}
			fn := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.qmu.Unlock()
			fn()
		}
	}
}

func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Publish sends a notification with args as its params. No reply is
// expected.
func (b *Bus) Publish(t *topic.Template, args ...any) error {
	_, err := b.CallMethod(t, "", args, nil)
	return err
}

// Request publishes args and waits for one correlated reply on
// "<topic>/reply", delivered to cb on the dispatch goroutine.
func (b *Bus) Request(t *topic.Template, args []any, cb Callback) (*Subscription, error) {
	return b.CallMethod(t, "", args, cb)
}

// CallMethod publishes a request for method. With a nil cb the request is
// sent without an id and no reply is awaited; the returned subscription is
// then nil.
func (b *Bus) CallMethod(t *topic.Template, method string, args []any, cb Callback) (*Subscription, error) {
	const op = "bus.CallMethod"
	addr, err := t.PublishTopic()
	if err != nil {
		return nil, err
	}

	env := newEnvelope(b.now())
	env.Method = method
	if env.Params, err = encodeArgs(args); err != nil {
		return nil, errs.Wrap(errs.InvalidPayload, op, err, "encoding params for %s", addr)
	}

	var sub *Subscription
	if cb != nil {
		reply, err := t.WithReply()
		if err != nil {
			return nil, err
		}
		env.ID = newCorrelationID()
		if sub, err = b.subscribe(reply, env.ID, nil, cb); err != nil {
			return nil, err
		}
	}

	kind := "notification"
	if method != "" {
		kind = "request"
	}
	if err := b.send(addr, env, t.QoS(), t.Retain(), kind); err != nil {
		if sub != nil {
			sub.finish(Failed)
		}
		return nil, err
	}
	return sub, nil
}

// Call is a blocking CallMethod returning the reply value. It must not be
// called from a handler, since the reply is dispatched on the same goroutine.
func (b *Bus) Call(ctx context.Context, t *topic.Template, method string, args ...any) (json.RawMessage, error) {
	const op = "bus.Call"
	ch := make(chan Result, 1)
	sub, err := b.CallMethod(t, method, args, func(r Result) { ch <- r })
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-sub.Done():
		select {
		case r := <-ch:
			return r.Value, r.Err
		default:
		}
		if sub.Status() == TimedOut {
			return nil, errs.New(errs.Timeout, op, "no reply to %s within %s", method, t.Timeout())
		}
		if err := sub.Err(); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.InvalidPayload, op, "request ended with status %s", sub.Status())
	case <-ctx.Done():
		sub.finish(Unsubscribed)
		return nil, errs.Wrap(errs.Timeout, op, ctx.Err(), "waiting for reply to %s", method)
	}
}

// PublishMessage sends v as a raw JSON body without an envelope.
func (b *Bus) PublishMessage(t *topic.Template, v any) error {
	addr, err := t.PublishTopic()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("the message payload must be serialisable as JSON: %w", err)
	}
	if b.trace {
		b.log.Log(context.Background(), logging.LevelTrace, "Out >", "topic", addr, "message", string(payload))
	}
	b.metrics.messageOut("message")
	return b.tr.Publish(addr, payload, t.QoS(), t.Retain())
}

func (b *Bus) send(addr string, env *Envelope, qos byte, retain bool, kind string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("the message payload must be serialisable as JSON: %w", err)
	}

	_, span := b.tracer.Start(context.Background(), "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", addr),
			attribute.String("sphere.kind", kind),
			attribute.String("sphere.id", env.ID),
			attribute.String("sphere.method", env.Method),
		))
	defer span.End()

	if b.trace {
		b.log.Log(context.Background(), logging.LevelTrace, "Out >", "topic", addr, "id", env.ID, "payload", string(payload))
	}
	b.metrics.messageOut(kind)
	if err := b.tr.Publish(addr, payload, qos, retain); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe registers a persistent subscription. h may be nil when only
// OnMessage listeners are attached.
func (b *Bus) Subscribe(t *topic.Template, h Handler) (*Subscription, error) {
	return b.subscribe(t, "", h, nil)
}

// SubscribeTopic parses raw and subscribes to it.
func (b *Bus) SubscribeTopic(raw string, h Handler) (*Subscription, error) {
	t, err := topic.Parse(raw)
	if err != nil {
		return nil, err
	}
	return b.Subscribe(t, h)
}

func (b *Bus) subscribe(t *topic.Template, correlationID string, h Handler, cb Callback) (*Subscription, error) {
	s := newSubscription(b, t, correlationID)
	s.handler = h
	s.callback = cb

	if b.trace {
		b.log.Log(context.Background(), logging.LevelTrace, "Subscribing to", "filter", s.filter, "id", correlationID)
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.filters[s.filter]++
	if b.filters[s.filter] == 1 {
		if err := b.tr.Subscribe(s.filter, t.QoS()); err != nil {
			b.subs = b.subs[:len(b.subs)-1]
			delete(b.filters, s.filter)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribing to %s: %w", s.filter, err)
		}
	}
	b.metrics.setSubscriptions(len(b.subs))
	b.mu.Unlock()

	if d := t.Timeout(); d > 0 {
		s.startTimer(d, func() {
			b.enqueue(func() { b.expire(s) })
		})
	}
	return s, nil
}

// Unsubscribe ends s. Ending a subscription that is not active only logs a
// warning.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || s.bus != b || !s.finish(Unsubscribed) {
		b.log.Warn("That subscription is not active.")
	}
}

// UnsubscribeAll ends every active subscription.
func (b *Bus) UnsubscribeAll() {
	for _, s := range b.snapshot() {
		s.finish(Unsubscribed)
	}
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) snapshot() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Subscription(nil), b.subs...)
}

// remove drops s from the table and releases its transport filter.
func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.metrics.setSubscriptions(len(b.subs))

	b.filters[s.filter]--
	if b.filters[s.filter] > 0 {
		return
	}
	delete(b.filters, s.filter)
	if err := b.tr.Unsubscribe(s.filter); err != nil {
		b.log.Warn("Transport unsubscribe failed", "filter", s.filter, "error", err)
	}
}

func (b *Bus) expire(s *Subscription) {
	if !s.Active() {
		return
	}
	if s.correlationID != "" {
		b.log.Warn("Reply timeout for subscription", "topic", s.filter, "id", s.correlationID, "timeout", s.topic.Timeout())
		b.metrics.timeout()
	}
	s.finish(TimedOut)
}

// dispatch runs one inbound message against a snapshot of the subscription
// table. Entries ended earlier in the same pass are skipped.
func (b *Bus) dispatch(topicName string, payload []byte) {
	const op = "bus.dispatch"
	b.metrics.messageIn()

	_, span := b.tracer.Start(context.Background(), "bus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", topicName)))
	defer span.End()

	var env Envelope
	parseErr := json.Unmarshal(payload, &env)
	if parseErr != nil {
		b.metrics.invalidPayload()
	}

	for _, s := range b.snapshot() {
		if !s.Active() {
			continue
		}
		params, ok := s.topic.Match(topicName)
		if !ok {
			continue
		}

		if parseErr != nil {
			b.log.Error("Invalid JSON payload", "topic", topicName, "payload", string(payload), "error", parseErr)
			s.emitError(errs.Wrap(errs.InvalidPayload, op, parseErr, "invalid JSON payload on %s", topicName))
			continue
		}

		if s.correlationID != "" && env.ID != s.correlationID {
			continue
		}

		if b.trace {
			b.log.Log(context.Background(), logging.LevelTrace, "In  <", "topic", topicName, "cid", s.correlationID, "payload", string(payload))
		}

		if !s.hasListeners() {
			b.log.Warn("Subscription received a message, but there are no listeners!", "topic", topicName)
			s.emitError(errs.New(errs.NoListeners, op, "no listeners for %s", topicName))
			continue
		}

		msg := &Message{
			Topic:        topicName,
			Params:       params,
			Envelope:     &env,
			Payload:      payload,
			Subscription: s,
		}
		s.emitMessage(msg)
		if !s.Active() {
			continue
		}

		rpc := env.IsRPC()
		if !rpc && (s.handler != nil || s.callback != nil) {
			b.log.Warn("Subscription listening for RPCs, but the message received isn't one", "topic", topicName, "payload", string(payload))
			s.emitError(errs.New(errs.InvalidPayload, op, "message on %s is not an RPC envelope", topicName))
			if s.correlationID != "" {
				s.finish(Failed)
			}
			continue
		}

		if rpc && s.handler != nil {
			b.serve(s, msg, &env)
		}
		if rpc && s.callback != nil {
			b.deliver(s, &env)
		}
		if s.correlationID != "" {
			s.finish(Replied)
		}
	}
}

// serve runs a handler, recovering panics into the reply or the
// subscription's error channel.
func (b *Bus) serve(s *Subscription, msg *Message, env *Envelope) {
	const op = "bus.serve"
	params, err := env.ParamList()
	if err != nil {
		s.emitError(err)
		return
	}

	var reply ReplyFunc
	if env.ID != "" {
		var once sync.Once
		id := env.ID
		replyTopic := msg.Topic + "/reply"
		reply = func(result any, rerr error) {
			sent := false
			once.Do(func() {
				sent = true
				b.respond(replyTopic, id, result, rerr)
			})
			if !sent {
				b.log.Warn("Reply already sent", "topic", replyTopic, "id", id)
			}
		}
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		b.log.Warn("There was an uncaught error in the handler", "topic", msg.Topic, "panic", r)
		if reply != nil {
			reply(nil, fmt.Errorf("Uncaught error: %v", r))
			return
		}
		b.log.Error("Error in handler", "topic", msg.Topic, "panic", r)
		s.emitError(errs.New(errs.UncaughtHandler, op, "%v", r))
	}()
	s.handler(msg, params, reply)
}

func (b *Bus) deliver(s *Subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Error in reply callback", "topic", s.filter, "id", s.correlationID, "panic", r)
			s.emitError(errs.New(errs.UncaughtHandler, "bus.deliver", "%v", r))
		}
	}()
	s.callback(resultOf(env))
}

func (b *Bus) respond(addr, id string, result any, rerr error) {
	env := newEnvelope(b.now())
	env.ID = id
	if rerr != nil {
		env.Error = encodeError(rerr)
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			env.Error = encodeError(fmt.Errorf("unserialisable result: %w", err))
		} else {
			env.Result = raw
		}
	}
	if err := b.send(addr, env, 0, false, "response"); err != nil {
		b.log.Error("Failed to publish reply", "topic", addr, "id", id, "error", err)
	}
}
