package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subscriber consumes DataFlow events from NATS. It is used by out-of-process
// consumers (and the event tests); the server itself only publishes.
type Subscriber struct {
	conn *nats.Conn
}

// NewSubscriber connects to NATS with unbounded reconnection.
func NewSubscriber(url string, opts ...nats.Option) (*Subscriber, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Subscriber{conn: nc}, nil
}

// Listen invokes handler with the raw payload of every message on topic
// (NATS wildcards like "dataflow.>" are supported) until ctx is cancelled.
// Messages are delivered on the NATS client's callback goroutine; handlers
// must not block.
func (s *Subscriber) Listen(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	sub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Make sure the server has registered the subscription before returning,
	// so events published on other connections are routed to it.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (s *Subscriber) Close() error {
	s.conn.Close()
	return nil
}
