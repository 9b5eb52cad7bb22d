// Package ingest feeds the event log from external sources. The Kafka
// consumer is optional; the HTTP gateway accepts the same events
// directly.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/eventlog"
)

// Appender receives each ingested event after it is durably logged.
type Appender interface {
	Append(e eventlog.Event)
}

// KafkaConsumer reads normalized session events from a Kafka topic and
// appends them to the event log, then to the batcher. Offsets commit
// through the consumer group after the log append, so a crash replays
// rather than drops events.
type KafkaConsumer struct {
	cfg     config.KafkaConfig
	log     *eventlog.Log
	batcher Appender
}

// NewKafka creates a consumer. Run is a no-op when disabled.
func NewKafka(cfg config.KafkaConfig, log *eventlog.Log, batcher Appender) *KafkaConsumer {
	return &KafkaConsumer{cfg: cfg, log: log, batcher: batcher}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" {
		return fmt.Errorf("ingest: kafka enabled but brokers or topic missing")
	}
	groupID := c.cfg.GroupID
	if groupID == "" {
		groupID = "mnemod"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    c.cfg.Topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	slog.Info("Kafka ingest started", "topic", c.cfg.Topic, "group", groupID)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Kafka read failed", "error", err)
			continue
		}
		c.handle(ctx, msg.Value)
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, payload []byte) {
	var e eventlog.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("Kafka message is not a valid event, skipping", "error", err)
		return
	}
	if err := c.log.Append(ctx, &e); err != nil {
		slog.Warn("Kafka event rejected", "error", err)
		return
	}
	c.batcher.Append(e)
}
