package transport

import (
	"context"
	"testing"

	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/logger"
)

func TestOpenKafka(t *testing.T) {
	cfg := &config.Config{
		Broker: config.BrokerConfig{Transport: config.TransportKafka, StockTopic: "stock"},
		Kafka:  config.KafkaConfig{Brokers: []string{" localhost:9092 "}},
	}

	tr, err := Open(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if tr.Name() != config.TransportKafka {
		t.Fatalf("expected kafka transport, got %q", tr.Name())
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenKafkaRequiresBrokers(t *testing.T) {
	cfg := &config.Config{
		Broker: config.BrokerConfig{Transport: config.TransportKafka, StockTopic: "stock"},
	}
	if _, err := Open(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestOpenPubSubRequiresProject(t *testing.T) {
	cfg := &config.Config{
		Broker: config.BrokerConfig{Transport: config.TransportPubSub, StockTopic: "stock"},
	}
	if _, err := Open(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("expected error without a gcp project")
	}
}

func TestZeroTransportIsInert(t *testing.T) {
	var tr Transport
	if err := tr.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
