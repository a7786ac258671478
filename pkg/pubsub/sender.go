package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

const (
	AttrTag = "tag"
	AttrKey = "key"

	defaultPublishTimeout = 15 * time.Second
)

type publisher interface {
	Publish(context.Context, *pubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

// Sender publishes envelopes to Pub/Sub and waits for the server ack.
type Sender struct {
	factory publisherFactory
	timeout time.Duration
}

var _ txmsg.Sender = (*Sender)(nil)

// NewSender builds a Sender over client. A non-positive timeout uses the default.
func NewSender(client *Client, timeout time.Duration) (*Sender, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return newSender(func(topic string) publisher {
		return newGCPPublisher(client.Publisher(topic))
	}, timeout), nil
}

func newSender(factory publisherFactory, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Sender{factory: factory, timeout: timeout}
}

func (s *Sender) Send(ctx context.Context, env txmsg.Envelope) error {
	pub := s.factory(env.Topic)
	if pub == nil {
		return fmt.Errorf("publisher not configured for topic %s", env.Topic)
	}

	attrs := map[string]string{}
	if env.Tag != "" {
		attrs[AttrTag] = env.Tag
	}
	if env.Key != "" {
		attrs[AttrKey] = env.Key
	}
	msg := &pubsub.Message{Data: env.Body, Attributes: attrs}

	publishCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return fmt.Errorf("publisher returned nil for topic %s", env.Topic)
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Topic, err)
	}
	return nil
}

func newGCPPublisher(p *pubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*pubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*pubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
