// Package events publishes video lifecycle changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cuongbtq/vidflow/internal/config"
	"github.com/cuongbtq/vidflow/internal/domain"
)

// Type names a lifecycle event
type Type string

const (
	TypeVideoReady  Type = "video.ready"
	TypeVideoFailed Type = "video.failed"
)

// QualityRef points at one rendered quality
type QualityRef struct {
	Resolution domain.Resolution `json:"resolution"`
	ObjectKey  string            `json:"object_key"`
}

// Lifecycle is emitted once per terminal transition
type Lifecycle struct {
	Type            Type               `json:"type"`
	VideoID         string             `json:"video_id"`
	Status          domain.VideoStatus `json:"status"`
	DurationSeconds int                `json:"duration_seconds,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Qualities       []QualityRef       `json:"qualities,omitempty"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// NewLifecycle builds the event for a video that just became terminal
func NewLifecycle(v domain.Video, qualities []domain.VideoQuality, now time.Time) Lifecycle {
	ev := Lifecycle{
		VideoID:    v.ID,
		Status:     v.Status,
		Reason:     v.FailureReason,
		OccurredAt: now.UTC(),
	}
	if v.Status == domain.StatusReady {
		ev.Type = TypeVideoReady
	} else {
		ev.Type = TypeVideoFailed
	}
	if v.DurationSeconds != nil {
		ev.DurationSeconds = *v.DurationSeconds
	}
	for _, q := range qualities {
		ev.Qualities = append(ev.Qualities, QualityRef{Resolution: q.Resolution, ObjectKey: q.ObjectKey})
	}
	return ev
}

// Publisher sends lifecycle events
type Publisher interface {
	Publish(ctx context.Context, ev Lifecycle) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by video id, so all
// events for one video land on one partition in order
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for cfg.Topic
func NewKafkaPublisher(cfg config.KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}

	logger.Info("Kafka lifecycle publisher configured",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
	)
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Lifecycle) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.VideoID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for video %s: %w", ev.Type, ev.VideoID, err)
	}

	p.logger.Debug("Lifecycle event published",
		slog.String("type", string(ev.Type)),
		slog.String("video_id", ev.VideoID),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop drops every event; used when kafka is disabled
type Noop struct{}

func (Noop) Publish(context.Context, Lifecycle) error { return nil }
func (Noop) Close() error                              { return nil }

// New returns a Kafka publisher when enabled, Noop otherwise
func New(cfg config.KafkaConfig, logger *slog.Logger) Publisher {
	if !cfg.Enabled {
		logger.Info("Kafka disabled, lifecycle events are not published")
		return Noop{}
	}
	return NewKafkaPublisher(cfg, logger)
}
