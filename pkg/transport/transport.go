// Package transport opens the message transport selected by configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/kafka"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/pubsub"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

// Transport is a Sender that can be health-checked and closed.
type Transport struct {
	txmsg.Sender
	name  string
	ping  func(context.Context) error
	close func() error
}

var _ txmsg.Sender = (*Transport)(nil)

// Open connects to Kafka or Pub/Sub depending on cfg.Broker.Transport.
// Pub/Sub fails fast when a configured topic does not exist.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Transport, error) {
	if cfg.Broker.UsesKafka() {
		sender, err := kafka.NewSender(cfg.Kafka, logg)
		if err != nil {
			return nil, fmt.Errorf("kafka sender: %w", err)
		}
		return &Transport{Sender: sender, name: config.TransportKafka, ping: sender.Ping, close: sender.Close}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, []string{cfg.Broker.StockTopic, cfg.Broker.HintTopic}, logg)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	sender, err := pubsub.NewSender(client, cfg.Broker.PublishTimeout)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub sender: %w", err)
	}
	return &Transport{Sender: sender, name: config.TransportPubSub, ping: client.Ping, close: client.Close}, nil
}

// Name reports which transport is in use.
func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Ping(ctx context.Context) error {
	if t.ping == nil {
		return nil
	}
	return t.ping(ctx)
}

func (t *Transport) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}
