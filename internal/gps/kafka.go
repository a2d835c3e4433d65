package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards reports to a Kafka topic keyed by ride id, so one ride's
// reports stay on one partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink builds an asynchronous writer; delivery failures are logged
// from the writer's completion callback.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				sinkFailuresTotal.Add(float64(len(msgs)))
				logger.Warn("kafka gps delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaSink) Write(ctx context.Context, report domain.GPSReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal gps report: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.RideID.String()),
		Value: payload,
		Time:  report.ObservedAt,
	})
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
