// Package pubsub publishes notification messages to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"
)

// Config names the project and default topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Attributer is implemented by payloads that carry Pub/Sub attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher publishes JSON payloads, creating one topic publisher per topic on demand.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// Open creates a Pub/Sub client for the project.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client, cfg.Topic), nil
}

// New wraps an existing client.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		publishers:   make(map[string]*pubsub.Publisher),
	}
}

// Publish marshals the payload to JSON and waits for the server-assigned ID.
// An empty topic selects the default topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	publisher, err := p.publisherFor(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for topic, publisher := range p.publishers {
		publisher.Stop()
		delete(p.publishers, topic)
	}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) publisherFor(topic string) (*pubsub.Publisher, error) {
	if p.client == nil {
		return nil, fmt.Errorf("pubsub client is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	publisher, ok := p.publishers[topic]
	if !ok {
		publisher = p.client.Publisher(topic)
		p.publishers[topic] = publisher
	}
	return publisher, nil
}

// pubsubCarrier adapts message attributes to propagation.TextMapCarrier.
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
