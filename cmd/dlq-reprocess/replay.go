package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
)

// unknownEventType ставит consumer, если исходное сообщение не разобралось как Envelope.
const unknownEventType = "unknown"

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg    config
	deps   dependencies
	logger *log.Entry
	now    func() time.Time
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.deps.offsets == nil || r.deps.source == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if r.cfg.execute && r.deps.publisher == nil {
		return total, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := r.deps.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.cfg.limit - total.scanned
		if remaining <= 0 {
			break
		}
		stats, err := r.scanPartition(ctx, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":     r.cfg.mode(),
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// scanPartition читает не более limit сообщений, которые были в партиции на момент старта.
func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	end, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if end <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest && end-int64(limit) > oldest {
		start = end - int64(limit)
	}

	stream, err := r.deps.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition idle, stopping scan")
			return stats, nil
		case cerr := <-stream.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(ctx, msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle разбирает DeadLetter и публикует исходный Envelope. Ошибкой считается
// только сбой публикации: нечитаемые и отфильтрованные сообщения пропускаются.
func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	dl, err := kafka.DecodeDeadLetter(msg.Value)
	if err != nil {
		logger.WithError(err).Warn("skip unreadable dead letter")
		return false, nil
	}
	if reason := r.skipReason(dl); reason != "" {
		logger.WithFields(log.Fields{
			"event_type": dl.Original.EventType,
			"reason":     reason,
		}).Debug("dead letter skipped")
		return false, nil
	}

	topic := dl.OriginalTopic
	if topic == "" {
		topic = r.cfg.targetTopic
	}
	key := dl.OriginalKey
	if key == "" {
		key = dl.Original.Key()
	}
	logger = logger.WithFields(log.Fields{
		"target_topic": topic,
		"key":          key,
		"event_type":   dl.Original.EventType,
		"attempts":     dl.Attempts,
		"last_error":   dl.Error,
	})

	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}

	env := dl.Original
	env.PublishedAt = r.now()
	err = r.deps.publisher.PublishEvent(ctx, topic, key, env, map[string]string{
		kafka.HeaderEventType:  env.EventType,
		kafka.HeaderRetryCount: strconv.Itoa(dl.Attempts),
	})
	if err != nil {
		return false, fmt.Errorf("publish replay of offset %d: %w", msg.Offset, err)
	}
	logger.Info("dead letter replayed")
	return true, nil
}

func (r *replayer) skipReason(dl kafka.DeadLetter) string {
	switch {
	case dl.Original.EventType == unknownEventType:
		return "original message is not an order event"
	case r.cfg.eventType != "" && dl.Original.EventType != r.cfg.eventType:
		return "event type filtered"
	case r.cfg.source != "" && dl.Source != r.cfg.source:
		return "source filtered"
	case r.cfg.maxAttempts > 0 && dl.Attempts >= r.cfg.maxAttempts:
		return "attempts exhausted"
	}
	return ""
}
