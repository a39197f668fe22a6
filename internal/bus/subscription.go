package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/sphere/internal/topic"
)

// Status is the lifecycle state of a Subscription.
type Status int32

const (
	Active Status = iota
	Replied
	TimedOut
	Unsubscribed
	Failed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Replied:
		return "replied"
	case TimedOut:
		return "timed_out"
	case Unsubscribed:
		return "unsubscribed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is what a listener sees for one inbound delivery.
type Message struct {
	// Topic is the concrete topic the message arrived on.
	Topic string
	// Params are the topic parameters captured by the subscription template.
	Params map[string]string
	// Envelope is the decoded payload. Nil for raw listeners of invalid JSON.
	Envelope *Envelope
	// Payload is the raw body.
	Payload []byte

	Subscription *Subscription
}

// ReplyFunc answers a request. It is nil when the request carried no id.
type ReplyFunc func(result any, err error)

// Handler serves messages on a persistent subscription.
type Handler func(msg *Message, params Params, reply ReplyFunc)

// Callback receives the reply to a correlated request.
type Callback func(Result)

// Subscription is a live interest in a topic, owned by one Bus.
//
// A subscription ends exactly once: on unsubscribe, on timeout, after its
// correlated reply, or on a protocol failure while awaiting one.
type Subscription struct {
	bus           *Bus
	topic         *topic.Template
	filter        string
	correlationID string
	handler       Handler
	callback      Callback

	state atomic.Int32
	done  chan struct{}

	mu        sync.Mutex
	timer     *time.Timer
	onMessage []func(*Message)
	onError   []func(error)
	onTimeout []func()
	onEnd     []func(Status)
	lastErr   error
}

func newSubscription(b *Bus, t *topic.Template, correlationID string) *Subscription {
	return &Subscription{
		bus:           b,
		topic:         t,
		filter:        t.SubscribeTopic(),
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// Topic returns the subscribed template.
func (s *Subscription) Topic() *topic.Template { return s.topic }

// CorrelationID returns the reply id this subscription waits for, or "".
func (s *Subscription) CorrelationID() string { return s.correlationID }

// Status returns the current lifecycle state.
func (s *Subscription) Status() Status { return Status(s.state.Load()) }

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool { return s.Status() == Active }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the last error signalled on the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnMessage registers a listener for every matched message.
func (s *Subscription) OnMessage(fn func(*Message)) *Subscription {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.mu.Unlock()
	return s
}

// OnError registers a listener for per-message errors.
func (s *Subscription) OnError(fn func(error)) *Subscription {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
	return s
}

// OnTimeout registers a listener fired when the reply timeout elapses.
func (s *Subscription) OnTimeout(fn func()) *Subscription {
	s.mu.Lock()
	s.onTimeout = append(s.onTimeout, fn)
	s.mu.Unlock()
	return s
}

// OnEnd registers a listener fired once with the terminal status.
func (s *Subscription) OnEnd(fn func(Status)) *Subscription {
	s.mu.Lock()
	s.onEnd = append(s.onEnd, fn)
	s.mu.Unlock()
	return s
}

func (s *Subscription) hasListeners() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onMessage) > 0 || s.handler != nil || s.callback != nil
}

func (s *Subscription) emitMessage(msg *Message) {
	s.mu.Lock()
	fns := append(([]func(*Message))(nil), s.onMessage...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (s *Subscription) emitError(err error) {
	s.mu.Lock()
	s.lastErr = err
	fns := append(([]func(error))(nil), s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *Subscription) emitTimeout() {
	s.mu.Lock()
	fns := append(([]func())(nil), s.onTimeout...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// finish performs the single terminal transition. It reports whether this
// call won it.
func (s *Subscription) finish(status Status) bool {
	if !s.state.CompareAndSwap(int32(Active), int32(status)) {
		return false
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	fns := append(([]func(Status))(nil), s.onEnd...)
	s.mu.Unlock()

	s.bus.remove(s)
	close(s.done)
	if status == TimedOut {
		s.emitTimeout()
	}
	for _, fn := range fns {
		fn(status)
	}
	return true
}

func (s *Subscription) startTimer(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fire)
}
