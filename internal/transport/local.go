package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// localStream is the single watermill topic every local message travels on.
	localStream = "sphere.messages"

	// metaKeyTopic carries the MQTT topic through watermill's metadata.
	metaKeyTopic = "topic"
)

// Local is an in-process transport backed by watermill's GoChannel.
type Local struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	filters filterSet
	handler Handler
}

// NewLocal starts an in-process transport.
func NewLocal(log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		watermill.NewStdLogger(false, false),
	)

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := goChannel.Subscribe(ctx, localStream)
	if err != nil {
		cancel()
		return nil, err
	}

	l := &Local{
		pubsub: goChannel,
		log:    log.With("transport", KindLocal),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.consume(messages)
	return l, nil
}

func (l *Local) consume(messages <-chan *message.Message) {
	defer close(l.done)
	for wmMsg := range messages {
		topic := wmMsg.Metadata.Get(metaKeyTopic)
		// Ack first so a publisher waiting on delivery is released before the
		// handler runs.
		wmMsg.Ack()

		l.mu.RLock()
		_, subscribed := l.filters.first(topic)
		handler := l.handler
		l.mu.RUnlock()

		if subscribed && handler != nil {
			handler(topic, wmMsg.Payload)
		}
	}
	l.log.Debug("Local transport message loop ended")
}

// Publish implements Transport. QoS and retain are accepted and ignored.
func (l *Local) Publish(topic string, payload []byte, _ byte, _ bool) error {
	wmMsg := message.NewMessage(watermill.NewUUID(), payload)
	wmMsg.Metadata.Set(metaKeyTopic, topic)
	return l.pubsub.Publish(localStream, wmMsg)
}

// Subscribe implements Transport.
func (l *Local) Subscribe(filter string, _ byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters.add(filter)
	return nil
}

// Unsubscribe implements Transport.
func (l *Local) Unsubscribe(filter string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters.remove(filter)
	return nil
}

// OnMessage implements Transport.
func (l *Local) OnMessage(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Close stops the message loop.
func (l *Local) Close() error {
	l.cancel()
	err := l.pubsub.Close()
	<-l.done
	return err
}
