// Package pubsub implements a Google Cloud Pub/Sub publisher for capture
// completion notifications.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Keyed payloads choose their own ordering key.
type Keyed interface {
	OrderingKey() string
}

// Options controls message construction.
type Options struct {
	// Attributes are copied onto every message.
	Attributes map[string]string
	// Ordered sets an ordering key from Keyed payloads. The publisher must
	// have message ordering enabled.
	Ordered bool
}

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
	opts      Options
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher, opts Options) *Publisher {
	return &Publisher{publisher: publisher, opts: opts}
}

// Publish marshals the payload to JSON and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := p.message(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) message(ctx context.Context, topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(p.opts.Attributes)+2)}
	for k, v := range p.opts.Attributes {
		msg.Attributes[k] = v
	}
	if topic != "" {
		msg.Attributes["event"] = topic
	}
	if keyed, ok := payload.(Keyed); ok && p.opts.Ordered {
		msg.OrderingKey = keyed.OrderingKey()
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
