package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
	"github.com/kyungseok/booking-saga-go/common/retry"
)

// deliveryCountHeader carries the redelivery count across a requeue
// republish, since Kafka itself has no native per-message delivery counter.
const deliveryCountHeader = "x-delivery-count"

// KafkaPublisher is a Kafka-backed Publisher wrapping sarama.SyncProducer,
// generalized to the (queue, key, body) shape and classifying failures per
// the three-class error taxonomy.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaPublisher connects with bounded retry (10 attempts, exponential
// backoff to a 60s cap) before giving up.
func NewKafkaPublisher(brokers []string, logger *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	backoff := retry.Backoff{Base: time.Second, Cap: 60 * time.Second}
	var producer sarama.SyncProducer
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		producer, err = sarama.NewSyncProducer(brokers, cfg)
		if err == nil {
			break
		}
		logger.Warn("kafka producer connect failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff.Next(attempt))
	}
	if err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeBrokerUnavailable, "could not connect kafka producer", err)
	}

	return &KafkaPublisher{producer: producer, logger: logger}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, queue string, key string, body []byte) error {
	return p.PublishWithHeaders(ctx, queue, key, body, nil)
}

// PublishWithHeaders is Publish with record headers attached; the consumer's
// requeue path uses it to carry the redelivery count across a republish.
func (p *KafkaPublisher) PublishWithHeaders(_ context.Context, queue string, key string, body []byte, headers []sarama.RecordHeader) error {
	msg := &sarama.ProducerMessage{
		Topic:   queue,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("publish failed", zap.String("queue", queue), zap.Error(err))
		return apperrors.TransientErr(apperrors.CodeBrokerUnavailable, "send message", err)
	}

	p.logger.Debug("published",
		zap.String("queue", queue), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// requeuePublisher is the slice of KafkaPublisher the consumer's nack path
// needs: a republish that can attach record headers, so the redelivery count
// survives the requeue round-trip.
type requeuePublisher interface {
	PublishWithHeaders(ctx context.Context, queue string, key string, body []byte, headers []sarama.RecordHeader) error
}

// KafkaConsumer is a Kafka-backed Consumer. It disables sarama's
// auto-commit so Ack/Nack fully control offset advancement, and uses a
// side-channel publisher to implement requeue (republish to the same topic,
// with an incremented x-delivery-count header) and DLQ routing (publish to
// "<queue>_dlq"), since Kafka itself has no native nack/redeliver primitive.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	requeuer      requeuePublisher
	logger        *zap.Logger
}

// NewKafkaConsumer connects with the same bounded-retry discipline as the
// publisher.
func NewKafkaConsumer(brokers []string, groupID string, requeuer *KafkaPublisher, logger *zap.Logger) (*KafkaConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true

	backoff := retry.Backoff{Base: time.Second, Cap: 60 * time.Second}
	var group sarama.ConsumerGroup
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		group, err = sarama.NewConsumerGroup(brokers, groupID, cfg)
		if err == nil {
			break
		}
		logger.Warn("kafka consumer group connect failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff.Next(attempt))
	}
	if err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeBrokerUnavailable, "could not connect kafka consumer group", err)
	}

	return &KafkaConsumer{consumerGroup: group, requeuer: requeuer, logger: logger}, nil
}

func (c *KafkaConsumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler Handler) error {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	dlq := opts.DLQ
	if dlq == "" {
		dlq = queue + "_dlq"
	}

	groupHandler := &consumerGroupHandler{
		requeuer: c.requeuer,
		handler:  handler,
		sem:      make(chan struct{}, prefetch),
		dlq:      dlq,
	}

	go func() {
		for {
			if err := c.consumerGroup.Consume(ctx, []string{queue}, groupHandler); err != nil {
				c.logger.Error("consume error", zap.String("queue", queue), zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

func (c *KafkaConsumer) Close() error { return c.consumerGroup.Close() }

type consumerGroupHandler struct {
	requeuer requeuePublisher
	handler  Handler
	sem      chan struct{}
	dlq      string
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.sem <- struct{}{}

		deliveryCount := headerInt(message.Headers, deliveryCountHeader, 1)
		msg := message

		delivery := &Delivery{
			Queue:         msg.Topic,
			Key:           string(msg.Key),
			Body:          msg.Value,
			DeliveryCount: deliveryCount,
			ackFn: func() error {
				session.MarkMessage(msg, "")
				return nil
			},
			nackFn: func(requeue bool) error {
				defer session.MarkMessage(msg, "")
				ctx := session.Context()
				if requeue {
					headers := []sarama.RecordHeader{{
						Key:   []byte(deliveryCountHeader),
						Value: []byte(strconv.Itoa(deliveryCount + 1)),
					}}
					return h.requeuer.PublishWithHeaders(ctx, msg.Topic, string(msg.Key), msg.Value, headers)
				}
				return h.requeuer.PublishWithHeaders(ctx, h.dlq, string(msg.Key), msg.Value, nil)
			},
		}

		h.handler(session.Context(), delivery)
		<-h.sem
	}
	return nil
}

func headerInt(headers []*sarama.RecordHeader, key string, def int) int {
	for _, h := range headers {
		if string(h.Key) == key {
			var v int
			if _, err := fmt.Sscanf(string(h.Value), "%d", &v); err == nil {
				return v
			}
		}
	}
	return def
}
