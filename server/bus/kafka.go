// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"decred.org/dcrcustody/custody"
	"github.com/IBM/sarama"
)

const defaultRetryDelay = 5 * time.Second

// KafkaConfig configures the Kafka bus.
type KafkaConfig struct {
	Brokers []string
	// GroupID is the consumer group of the intake consumers.
	GroupID  string
	ClientID string
	// RetryDelay is the pause before a requeued message is handled again.
	RetryDelay time.Duration
}

// Kafka is a Publisher and Consumer backed by Kafka topics.
type Kafka struct {
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	retryDelay time.Duration
	log        custody.Logger
}

var (
	_ Publisher = (*Kafka)(nil)
	_ Consumer  = (*Kafka)(nil)
)

func saramaConfig(cfg *KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	// Required by the sync producer.
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	return sc
}

// NewKafka connects a producer and a consumer group.
func NewKafka(cfg *KafkaConfig, log custody.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("no kafka consumer group")
	}
	sc := saramaConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("error creating kafka consumer group: %w", err)
	}
	return NewKafkaFromClients(producer, group, cfg.RetryDelay, log), nil
}

// NewKafkaFromClients wraps existing sarama clients.
func NewKafkaFromClients(producer sarama.SyncProducer, group sarama.ConsumerGroup, retryDelay time.Duration, log custody.Logger) *Kafka {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Kafka{
		producer:   producer,
		group:      group,
		retryDelay: retryDelay,
		log:        log,
	}
}

// Publish sends the JSON encoding of msg and waits for the brokers to store
// it.
func (k *Kafka) Publish(_ context.Context, topic string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error encoding %s message: %w", topic, err)
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("error sending %s message: %w", topic, err)
	}
	k.log.Tracef("Sent %s message to partition %d offset %d", topic, partition, offset)
	return nil
}

// Consume joins the consumer group for the topic. Offsets are only committed
// for acknowledged messages, so an unacknowledged message is redelivered
// after a restart.
func (k *Kafka) Consume(ctx context.Context, topic string, h Handler) error {
	handler := &groupHandler{
		handle:     h,
		retryDelay: k.retryDelay,
		log:        k.log,
	}
	go func() {
		for err := range k.group.Errors() {
			k.log.Errorf("Kafka consumer group error: %v", err)
		}
	}()
	for {
		// Consume returns at the end of each session, e.g. on a rebalance.
		if err := k.group.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			k.log.Errorf("Kafka consume error on %s: %v", topic, err)
			select {
			case <-ctx.Done():
			case <-time.After(k.retryDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close closes the sarama clients.
func (k *Kafka) Close() error {
	errP := k.producer.Close()
	errG := k.group.Close()
	if errP != nil {
		return errP
	}
	return errG
}

// groupHandler is a sarama.ConsumerGroupHandler.
type groupHandler struct {
	handle     Handler
	retryDelay time.Duration
	log        custody.Logger
}

func (gh *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (gh *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles messages in partition order. A requeued message is
// retried until it is acknowledged, holding back the rest of the partition.
func (gh *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			for gh.handle(ctx, msg.Value) == Requeue {
				gh.log.Debugf("Requeued %s message at offset %d", msg.Topic, msg.Offset)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(gh.retryDelay):
				}
			}
			sess.MarkMessage(msg, "")
		}
	}
}
