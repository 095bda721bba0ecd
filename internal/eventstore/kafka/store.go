// Package kafka is the reference sagaapi.EventStore: it exposes a
// single-partition Kafka topic as the "all events" durable log a
// Router subscribes to. A process manager's total order comes from
// that partition's own offset order, which the domain model exposes
// as RecordedEvent.EventNumber.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"procman/internal/domain"
	"procman/sagaapi"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config configures the reference EventStore.
type Config struct {
	Brokers  []string
	Topic    string // must be a single-partition topic
	ClientID string
	Auth     AuthConfig
	Fetch    FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

type wireEvent struct {
	EventID       string            `json:"event_id"`
	CorrelationID string            `json:"correlation_id"`
	StreamID      string            `json:"stream_id"`
	StreamVersion uint64            `json:"stream_version"`
	EventType     string            `json:"event_type"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata"`
}

// EventStore is a sagaapi.EventStore backed by one Kafka topic
// partition.
type EventStore struct {
	cfg Config
}

// NewEventStore validates cfg and returns a ready EventStore. No
// network connection is made until SubscribeToAll.
func NewEventStore(cfg Config) (*EventStore, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EventStore{cfg: cfg}, nil
}

// SubscribeToAll opens a direct (non-group) consumer on the
// configured partition starting at the offset from describes.
func (s *EventStore) SubscribeToAll(ctx context.Context, processManagerName string, from domain.StartFrom) (sagaapi.Subscription, error) {
	offset := offsetFor(from)
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{s.cfg.Topic: {0: offset}}),
		kgo.FetchMaxWait(s.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(s.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(s.cfg.Fetch.MaxBytes),
	}
	if s.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(s.cfg.ClientID))
	}
	if s.cfg.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: s.cfg.Auth.TLS.InsecureSkipVerify}))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client for %s: %w", processManagerName, err)
	}

	sub := &subscription{
		client: client,
		topic:  s.cfg.Topic,
		events: make(chan sagaapi.EventBatch, 16),
		closed: make(chan struct{}),
	}
	go sub.pollLoop(ctx)
	return sub, nil
}

func offsetFor(from domain.StartFrom) kgo.Offset {
	switch from.Kind {
	case domain.StartFromCurrent:
		return kgo.NewOffset().AtEnd()
	case domain.StartFromPosition:
		return kgo.NewOffset().At(int64(from.Position))
	default:
		return kgo.NewOffset().AtStart()
	}
}

type subscription struct {
	client *kgo.Client
	topic  string
	events chan sagaapi.EventBatch
	closed chan struct{}
}

func (s *subscription) Events() <-chan sagaapi.EventBatch { return s.events }

// Ack is a no-op: this store keeps no consumer-group offset of its
// own, so acks persist no read position. Each SubscribeToAll starts
// wherever its StartFrom argument says, whatever was acked before.
func (s *subscription) Ack(context.Context, domain.RecordedEvent) error { return nil }

func (s *subscription) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.client.Close()
	return nil
}

func (s *subscription) pollLoop(ctx context.Context) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return
		}

		var batch []domain.RecordedEvent
		fetches.EachRecord(func(rec *kgo.Record) {
			ev, err := decodeRecord(rec)
			if err != nil {
				return
			}
			batch = append(batch, ev)
		})
		if len(batch) == 0 {
			continue
		}
		select {
		case s.events <- sagaapi.EventBatch{Events: batch}:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func decodeRecord(rec *kgo.Record) (domain.RecordedEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(rec.Value, &wire); err != nil {
		return domain.RecordedEvent{}, fmt.Errorf("decode event record at offset %d: %w", rec.Offset, err)
	}
	return domain.RecordedEvent{
		EventNumber:   uint64(rec.Offset),
		EventID:       wire.EventID,
		CorrelationID: wire.CorrelationID,
		StreamID:      wire.StreamID,
		StreamVersion: wire.StreamVersion,
		EventType:     wire.EventType,
		Data:          append([]byte(nil), wire.Data...),
		Metadata:      wire.Metadata,
	}, nil
}
