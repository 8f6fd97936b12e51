// Package pubsub implements a Google Cloud Pub/Sub publisher for ingest events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Typed payloads set the event_type message attribute.
type Typed interface {
	EventType() string
}

// topicPublisher is the subset of *pubsub.Topic used here.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// Publisher publishes JSON payloads, lazily creating one topic publisher per topic.
type Publisher struct {
	mu         sync.Mutex
	newTopic   func(topic string) topicPublisher
	publishers map[string]topicPublisher
	closeFn    func() error
}

// New creates a Publisher backed by client. Close stops every topic publisher
// and closes the client.
func New(client *pubsub.Client) *Publisher {
	p := &Publisher{publishers: make(map[string]topicPublisher)}
	if client != nil {
		p.newTopic = func(topic string) topicPublisher { return client.Topic(topic) }
		p.closeFn = client.Close
	}
	return p
}

// NewClient dials Pub/Sub for projectID.
func NewClient(ctx context.Context, projectID string) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, nil
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("pubsub topic is empty")
	}
	pub, err := p.topic(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: Attributes(ctx, payload)}
	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(topic string) (topicPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub, nil
	}
	if p.newTopic == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	pub := p.newTopic(topic)
	p.publishers[topic] = pub
	return pub, nil
}

// Close flushes and stops all topic publishers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, name)
	}
	if p.closeFn != nil {
		if err := p.closeFn(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// Attributes builds message attributes carrying the trace context and the
// payload event type.
func Attributes(ctx context.Context, payload any) map[string]string {
	attrs := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	if typed, ok := payload.(Typed); ok {
		attrs["event_type"] = typed.EventType()
	}
	return attrs
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
