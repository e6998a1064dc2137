package events

import "context"

// NoopPublisher is a Publisher that does nothing (used when NATS is not
// configured).
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (NoopPublisher) Close() error { return nil }
