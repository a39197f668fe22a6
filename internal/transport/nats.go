package transport

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	subjectEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "*", "%2A", ">", "%3E", " ", "%20")
	subjectUnescaper = strings.NewReplacer("%25", "%", "%2E", ".", "%2A", "*", "%3E", ">", "%20", " ")
)

// TopicToSubject maps an MQTT topic or filter to a NATS subject.
func TopicToSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		default:
			levels[i] = subjectEscaper.Replace(l)
		}
	}
	return strings.Join(levels, ".")
}

// SubjectToTopic reverses TopicToSubject for concrete subjects.
func SubjectToTopic(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		tokens[i] = subjectUnescaper.Replace(tok)
	}
	return strings.Join(tokens, "/")
}

// NATS is a Transport backed by a NATS connection.
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger

	mu      sync.RWMutex
	filters filterSet
	subs    map[string][]*nats.Subscription
	handler Handler
}

// NewNATS connects to url and returns a transport.
func NewNATS(url, clientName string, log *slog.Logger) (*NATS, error) {
	if log == nil {
		log = slog.Default()
	}
	n := &NATS{
		log:  log.With("transport", KindNATS, "url", url),
		subs: make(map[string][]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
	}
	if clientName != "" {
		opts = append(opts, nats.Name(clientName))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n.conn = conn
	return n, nil
}

// Publish implements Transport. QoS and retain have no NATS equivalent.
func (n *NATS) Publish(topic string, payload []byte, _ byte, _ bool) error {
	return n.conn.Publish(TopicToSubject(topic), payload)
}

// Subscribe implements Transport. A trailing '#' also matches its parent
// level, as in MQTT, so a second subject is subscribed for it.
func (n *NATS) Subscribe(filter string, _ byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.filters.add(filter) {
		return nil
	}

	subjects := []string{TopicToSubject(filter)}
	if parent, ok := strings.CutSuffix(filter, "/#"); ok {
		subjects = append(subjects, TopicToSubject(parent))
	}
	for _, subject := range subjects {
		sub, err := n.conn.Subscribe(subject, n.deliver(filter))
		if err != nil {
			n.filters.remove(filter)
			n.drop(filter)
			return fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		n.subs[filter] = append(n.subs[filter], sub)
	}
	return nil
}

// deliver forwards a message only from the earliest registered filter that
// matches it, so overlapping filters yield a single delivery.
func (n *NATS) deliver(filter string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		topic := SubjectToTopic(msg.Subject)
		n.mu.RLock()
		owner, ok := n.filters.first(topic)
		h := n.handler
		n.mu.RUnlock()
		if ok && owner == filter && h != nil {
			h(topic, msg.Data)
		}
	}
}

func (n *NATS) drop(filter string) {
	for _, sub := range n.subs[filter] {
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warn("nats unsubscribe failed", "filter", filter, "error", err)
		}
	}
	delete(n.subs, filter)
}

// Unsubscribe implements Transport.
func (n *NATS) Unsubscribe(filter string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters.remove(filter)
	n.drop(filter)
	return nil
}

// OnMessage implements Transport.
func (n *NATS) OnMessage(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
