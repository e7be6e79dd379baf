package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/segmentio/kafka-go"

	"github.com/xtrntr/ratemarket/internal/models"
)

// Publisher delivers sequenced events to one downstream consumer. Name keys
// the consumer's cursor in the journal, so it must be stable.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evs []models.Event) error
}

// envelope is the wire form of an event: keyed by currency so one
// currency's events stay ordered within a partition.
type envelope struct {
	key     []byte
	value   []byte
	typ     []byte
	created time.Time
}

func encode(e models.Event) (envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return envelope{}, fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	return envelope{
		key:     []byte(e.Currency),
		value:   payload,
		typ:     []byte(e.Type),
		created: e.Time,
	}, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events with a segmentio kafka writer.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) Name() string { return "kafka:" + p.topic }

func (p *KafkaPublisher) Publish(ctx context.Context, evs []models.Event) error {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, e := range evs {
		env, err := encode(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:     env.key,
			Value:   env.value,
			Time:    env.created,
			Headers: []kafka.Header{{Key: "type", Value: env.typ}},
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// SaramaPublisher writes events through a sarama sync producer.
type SaramaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaPublisher(brokers []string, topic string) (*SaramaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewSaramaPublisherWithProducer(producer, topic), nil
}

func NewSaramaPublisherWithProducer(producer sarama.SyncProducer, topic string) *SaramaPublisher {
	return &SaramaPublisher{producer: producer, topic: topic}
}

func (p *SaramaPublisher) Name() string { return "sarama:" + p.topic }

func (p *SaramaPublisher) Publish(ctx context.Context, evs []models.Event) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(evs))
	for _, e := range evs {
		env, err := encode(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     p.topic,
			Key:       sarama.ByteEncoder(env.key),
			Value:     sarama.ByteEncoder(env.value),
			Timestamp: env.created,
			Headers:   []sarama.RecordHeader{{Key: []byte("type"), Value: env.typ}},
		})
	}
	return p.producer.SendMessages(msgs)
}

func (p *SaramaPublisher) Close() error {
	return p.producer.Close()
}
