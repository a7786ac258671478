// Package kafka publishes envelopes through segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/angelmondragon/stockflow/pkg/config"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

const (
	HeaderTag = "tag"

	dialTimeout = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender writes envelopes to the topic named in each envelope.
type Sender struct {
	writer  messageWriter
	brokers []string
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

var _ txmsg.Sender = (*Sender)(nil)

// NewSender builds a synchronous writer: Send returns once the configured acks arrive.
func NewSender(cfg config.KafkaConfig, logg *logger.Logger) (*Sender, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}
	if logg != nil {
		logg.Info(logg.WithField(context.Background(), "brokers", strings.Join(brokers, ",")), "kafka writer initialized")
	}
	return &Sender{writer: writer, brokers: brokers, dial: kafka.DialContext}, nil
}

func (s *Sender) Send(ctx context.Context, env txmsg.Envelope) error {
	if strings.TrimSpace(env.Topic) == "" {
		return errors.New("kafka topic is required")
	}
	msg := kafka.Message{
		Topic: env.Topic,
		Value: env.Body,
	}
	if env.Key != "" {
		msg.Key = []byte(env.Key)
	}
	if env.Tag != "" {
		msg.Headers = []kafka.Header{{Key: HeaderTag, Value: []byte(env.Tag)}}
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", env.Topic, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (s *Sender) Ping(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var lastErr error
	for _, broker := range s.brokers {
		conn, err := s.dial(dialCtx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

func (s *Sender) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
