// Package kafka publishes outbox events to a Kafka topic with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/outbox"
)

// Record header names.
const (
	HeaderEventKind = "formation-event-kind"
	HeaderEventID   = "formation-event-id"
	HeaderSeq       = "formation-seq"
)

// Config holds broker settings, read with the FORMATION_KAFKA_ prefix.
type Config struct {
	Brokers      []string      `env:"BROKERS" envSeparator:","`
	Topic        string        `env:"TOPIC" envDefault:"formation.events"`
	ClientID     string        `env:"CLIENT_ID" envDefault:"formation"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether at least one broker is configured.
func (c Config) Enabled() bool {
	for _, broker := range c.Brokers {
		if strings.TrimSpace(broker) != "" {
			return true
		}
	}
	return false
}

// Publisher produces one record per event, keyed by subject so a subject's
// events stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
}

var _ outbox.Publisher = (*Publisher)(nil)

// New connects to the configured brokers.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(cfg.WriteTimeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	if p == nil || p.client == nil {
		return errors.New("kafka publisher is not configured")
	}
	record, err := NewRecord(p.topic, evt)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s/%d: %w", evt.SubjectID, evt.Seq, err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return errors.New("kafka publisher is not configured")
	}
	return p.client.Ping(ctx)
}

// Close flushes and closes the client. Nil-safe.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

// NewRecord builds the record for evt.
func NewRecord(topic string, evt event.Event) (*kgo.Record, error) {
	value, err := outbox.NewMessage(evt).Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.SubjectID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventKind, Value: []byte(evt.Kind)},
			{Key: HeaderEventID, Value: []byte(evt.ID)},
			{Key: HeaderSeq, Value: []byte(strconv.FormatUint(evt.Seq, 10))},
		},
		Timestamp: evt.Timestamp,
	}, nil
}
