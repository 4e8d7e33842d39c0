package audit

import "context"

// Broker publishes serialized audit events to the message bus. The key is
// the aggregate ID so one aggregate's events stay on one partition.
type Broker interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close()
}

// NopBroker discards events. Used when Kafka is disabled; the durable tier
// still writes the outbox for dev introspection.
type NopBroker struct{}

func (NopBroker) Publish(ctx context.Context, key string, payload []byte) error { return nil }
func (NopBroker) Close()                                                        {}
