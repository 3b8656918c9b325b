package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"regwatch/internal/registry/models"
)

// KafkaSource consumes change events from a Kafka topic as a member of a
// consumer group. Offsets are committed only for events handed to the inbox.
type KafkaSource struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafkaSource(brokers []string, topic, group string, logger *slog.Logger, opts ...kgo.Opt) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka source needs at least one broker")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.AutoCommitMarks(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSource{client: client, topic: topic, logger: logger}, nil
}

// Run polls until ctx is done, delivering decoded events to out.
func (s *KafkaSource) Run(ctx context.Context, out chan<- models.NotificationEvent) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "kafka notification source started", "topic", s.topic)
	}
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "kafka fetch failed", "topic", topic, "partition", partition, "error", err)
			}
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			event, err := decodeEvent(rec.Value)
			if err != nil {
				if s.logger != nil {
					s.logger.WarnContext(ctx, "skipping undecodable kafka record", "offset", rec.Offset, "error", err)
				}
				s.client.MarkCommitRecords(rec)
				continue
			}
			if event.ReceivedAt.IsZero() {
				event.ReceivedAt = rec.Timestamp
			}
			if err := deliver(ctx, out, event); err != nil {
				return err
			}
			s.client.MarkCommitRecords(rec)
		}
	}
}

// Close commits marked offsets and leaves the group.
func (s *KafkaSource) Close(ctx context.Context) {
	if err := s.client.CommitMarkedOffsets(ctx); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "committing kafka offsets on close", "error", err)
	}
	s.client.Close()
}
