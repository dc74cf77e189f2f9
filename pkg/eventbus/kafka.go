package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// BrokersFromEnv reads the broker list from KAFKA_BROKERS.
func BrokersFromEnv() ([]string, error) {
	raw, err := env.GetAsString("KAFKA_BROKERS", true, "")
	if err != nil {
		return nil, err
	}
	return strings.Split(raw, ","), nil
}

// KafkaPublisher writes change-log events through a synchronous producer.
// The hash partitioner on the urn key gives per-entity ordering; waiting
// for all in-sync replicas makes Publish a durable acknowledgement.
type KafkaPublisher struct {
	producer  sarama.SyncProducer
	published atomic.Uint64
	errored   atomic.Uint64
}

func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_3_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaPublisher{producer: producer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	value, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: TopicForEntity(event.EntityType),
		Key:   sarama.StringEncoder(event.Urn.String()),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.errored.Add(1)
		return fmt.Errorf("failed to publish event for %s: %w", event.Urn, err)
	}
	p.published.Add(1)
	zap.S().Debugf("Published %s/%s seq %d to %s[%d]@%d", event.Urn, event.Aspect, event.Sequence, msg.Topic, partition, offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// GetStats returns the published and errored message counts.
func (p *KafkaPublisher) GetStats() (published, errored uint64) {
	return p.published.Load(), p.errored.Load()
}

// KafkaSubscriber drives a consumer group over the change-log topics of
// the entity types it is subscribed to.
type KafkaSubscriber struct {
	group    sarama.ConsumerGroup
	groupID  string
	consumed atomic.Uint64
	marked   atomic.Uint64
	running  atomic.Bool
}

func NewKafkaSubscriber(brokers []string, groupID string) (*KafkaSubscriber, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_3_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group %s: %w", groupID, err)
	}
	s := &KafkaSubscriber{group: group, groupID: groupID}
	go s.logGroupErrors()
	return s, nil
}

func (s *KafkaSubscriber) logGroupErrors() {
	for err := range s.group.Errors() {
		zap.S().Warnf("Consumer group %s error: %s", s.groupID, err)
	}
}

// Subscribe blocks until ctx is cancelled, redelivering unacknowledged
// events across rebalances and restarts.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, entityTypes []string, handler Handler) error {
	if len(entityTypes) == 0 {
		return fmt.Errorf("subscribe requires at least one entity type")
	}
	topics := make([]string, len(entityTypes))
	for i, entityType := range entityTypes {
		topics[i] = TopicForEntity(entityType)
	}

	s.running.Store(true)
	defer s.running.Store(false)
	for {
		h := &groupHandler{handler: handler, subscriber: s}
		err := s.group.Consume(ctx, topics, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			zap.S().Warnf("Consumer group %s session ended: %s", s.groupID, err)
			time.Sleep(time.Second)
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.group.Close()
}

// GetStats returns the consumed and acknowledged message counts.
func (s *KafkaSubscriber) GetStats() (consumed, marked uint64) {
	return s.consumed.Load(), s.marked.Load()
}

// GetReadinessCheck reports whether a consume session is active.
func (s *KafkaSubscriber) GetReadinessCheck() healthcheck.Check {
	return func() error {
		if !s.running.Load() {
			return errors.New("kafka subscriber is not consuming")
		}
		return nil
	}
}

// GetLivenessCheck fails when messages are being read but none were
// acknowledged for five minutes.
func (s *KafkaSubscriber) GetLivenessCheck() healthcheck.Check {
	var lastMarked atomic.Uint64
	var lastChangeUTCSeconds atomic.Int64
	lastChangeUTCSeconds.Store(time.Now().UTC().Unix())

	return func() error {
		marked := s.marked.Load()
		oldValue := lastMarked.Swap(marked)
		nowUTCSeconds := time.Now().UTC().Unix()
		if oldValue != marked {
			lastChangeUTCSeconds.Store(nowUTCSeconds)
			return nil
		}
		if s.consumed.Load() > marked && nowUTCSeconds-lastChangeUTCSeconds.Load() > 60*5 {
			return errors.New("events are read but none were acknowledged in the last 5 minutes")
		}
		return nil
	}
}

type groupHandler struct {
	handler    Handler
	subscriber *KafkaSubscriber
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	zap.S().Debugf("Consumer session set up for: %+v", session.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	zap.S().Debugf("Consumer session cleaned up")
	return nil
}

// ConsumeClaim processes one partition sequentially. A message is marked
// only after the handler succeeded; a handler error ends the session and
// the message is redelivered.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.subscriber.consumed.Add(1)

			event, err := DecodeEvent(message.Value)
			if err != nil {
				// Undecodable events can never succeed; acknowledge and
				// leave poison handling to the consumer runner's counters.
				zap.S().Errorf("Dropping undecodable event at %s[%d]@%d: %s", message.Topic, message.Partition, message.Offset, err)
				session.MarkMessage(message, "")
				h.subscriber.marked.Add(1)
				continue
			}
			if err := h.handler(session.Context(), event); err != nil {
				return fmt.Errorf("handler failed for %s/%s seq %d: %w", event.Urn, event.Aspect, event.Sequence, err)
			}
			session.MarkMessage(message, "")
			h.subscriber.marked.Add(1)
		case <-session.Context().Done():
			return nil
		}
	}
}
