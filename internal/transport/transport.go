// Package transport adapts publish/subscribe brokers to the small surface the
// bus needs.
//
// Three implementations are provided: MQTT (the production broker), NATS and
// an in-process transport for tests and single-binary setups. Topics and
// filters always use MQTT syntax; implementations translate as required.
package transport

import (
	"github.com/nfrund/sphere/internal/topic"
)

// Handler receives every inbound message.
type Handler func(topic string, payload []byte)

// Transport is a publish/subscribe connection.
//
// Each inbound message is handed to the handler exactly once per delivery,
// even when several subscribed filters overlap. Fan-out to individual
// listeners is the caller's job.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Subscribe(filter string, qos byte) error
	Unsubscribe(filter string) error
	OnMessage(h Handler)
	Close() error
}

// Kind names a transport implementation.
type Kind string

const (
	KindMQTT  Kind = "mqtt"
	KindNATS  Kind = "nats"
	KindLocal Kind = "local"
)

// filterSet tracks subscribed filters in registration order.
type filterSet struct {
	filters []string
}

func (s *filterSet) add(filter string) bool {
	for _, f := range s.filters {
		if f == filter {
			return false
		}
	}
	s.filters = append(s.filters, filter)
	return true
}

func (s *filterSet) remove(filter string) bool {
	for i, f := range s.filters {
		if f == filter {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return true
		}
	}
	return false
}

// first returns the earliest registered filter matching concrete.
func (s *filterSet) first(concrete string) (string, bool) {
	for _, f := range s.filters {
		if topic.MatchFilter(f, concrete) {
			return f, true
		}
	}
	return "", false
}

func (s *filterSet) list() []string {
	return append([]string(nil), s.filters...)
}
