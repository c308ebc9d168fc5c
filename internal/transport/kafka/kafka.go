// Package kafka - fan-out и очередь поверх Kafka (segmentio/kafka-go).
//
// Kafka не умеет возвращать отдельное сообщение в очередь, поэтому Nack
// публикует копию в ingest-топик с увеличенным счетчиком попыток (или в DLQ-топик,
// если попытки исчерпаны) и только после этого коммитит смещение.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	headerAttempt    = "x-delivery-attempt"
	headerEventID    = "x-event-id"
	headerReceivedAt = "x-received-at"
	headerPrefixAttr = "x-attr-"

	writeTimeout         = 10 * time.Second
	maxPollWait          = 500 * time.Millisecond
	defaultMaxDeliveries = 5
)

// MessageWriter - подмножество *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader - подмножество *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ParseBrokers разбирает список брокеров через запятую.
func ParseBrokers(brokers string) []string {
	if brokers == "" {
		return nil
	}
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}

// NewWriter создает синхронный writer без фиксированного топика: топик задается в сообщении.
func NewWriter(brokers string) (*kafka.Writer, error) {
	list := ParseBrokers(brokers)
	if len(list) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(list...),
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, nil
}

// NewReader создает reader группы потребителей для at-least-once доставки.
func NewReader(brokers, topic, groupID string) (*kafka.Reader, error) {
	list := ParseBrokers(brokers)
	switch {
	case len(list) == 0:
		return nil, fmt.Errorf("brokers cannot be empty")
	case topic == "":
		return nil, fmt.Errorf("topic cannot be empty")
	case groupID == "":
		return nil, fmt.Errorf("groupID cannot be empty")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     list,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     maxPollWait,
		StartOffset: kafka.FirstOffset,
	}), nil
}

// Publisher публикует payload в ingest-топик.
type Publisher struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

var _ transport.Publisher = (*Publisher)(nil)

func NewPublisher(writer MessageWriter, topic string) (*Publisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	return &Publisher{writer: writer, topic: topic, now: time.Now}, nil
}

func (p *Publisher) Publish(ctx context.Context, body []byte, attrs map[string]string) error {
	now := p.now().UTC()
	headers := []kafka.Header{
		{Key: headerAttempt, Value: []byte("1")},
		{Key: headerEventID, Value: []byte(uuid.NewString())},
		{Key: headerReceivedAt, Value: []byte(now.Format(time.RFC3339Nano))},
	}
	for k, v := range attrs {
		headers = append(headers, kafka.Header{Key: headerPrefixAttr + k, Value: []byte(v)})
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Value:   body,
		Headers: headers,
		Time:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to %s: %w", p.topic, err)
	}
	return nil
}

// Close закрывает writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ReceiverConfig - параметры получателя.
type ReceiverConfig struct {
	Topic         string
	DLQTopic      string
	MaxDeliveries int
}

// Receiver отдает по одной доставке и не выдает следующую, пока предыдущая
// не подтверждена: коммит смещения в Kafka подтверждает и все предыдущие сообщения
// партиции. Параллелизм достигается числом экземпляров в группе.
type Receiver struct {
	reader MessageReader
	writer MessageWriter
	cfg    ReceiverConfig
	logger zerolog.Logger

	settled chan struct{}
}

var _ transport.Receiver = (*Receiver)(nil)

func NewReceiver(reader MessageReader, writer MessageWriter, cfg ReceiverConfig, logger zerolog.Logger) (*Receiver, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	settled := make(chan struct{}, 1)
	settled <- struct{}{}
	return &Receiver{
		reader:  reader,
		writer:  writer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "kafka").Str("topic", cfg.Topic).Logger(),
		settled: settled,
	}, nil
}

func (r *Receiver) Receive(ctx context.Context) ([]*transport.Delivery, error) {
	select {
	case <-r.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		r.settle()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch message from Kafka: %w", err)
	}
	return []*transport.Delivery{r.delivery(msg)}, nil
}

func (r *Receiver) settle() {
	select {
	case r.settled <- struct{}{}:
	default:
	}
}

func (r *Receiver) delivery(msg kafka.Message) *transport.Delivery {
	attrs := make(map[string]string)
	var attempt, eventID, receivedAt string
	for _, h := range msg.Headers {
		switch {
		case h.Key == headerAttempt:
			attempt = string(h.Value)
		case h.Key == headerEventID:
			eventID = string(h.Value)
		case h.Key == headerReceivedAt:
			receivedAt = string(h.Value)
		case strings.HasPrefix(h.Key, headerPrefixAttr):
			attrs[strings.TrimPrefix(h.Key, headerPrefixAttr)] = string(h.Value)
		}
	}
	if eventID == "" {
		eventID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	received, err := time.Parse(time.RFC3339Nano, receivedAt)
	if err != nil {
		received = msg.Time.UTC()
	}

	env := models.DeliveryEnvelope{
		Source:          attrs[transport.AttrSource],
		ReceivedAt:      received,
		IngestTopic:     r.cfg.Topic,
		DeliveryAttempt: transport.ParseAttempt(attempt),
		EventID:         eventID,
	}

	var once sync.Once
	finish := func(fn func(context.Context) error) func(context.Context) error {
		return func(ctx context.Context) error {
			var err error
			once.Do(func() {
				defer r.settle()
				err = fn(ctx)
			})
			return err
		}
	}

	ack := func(ctx context.Context) error {
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
		return nil
	}
	nack := func(ctx context.Context) error {
		topic := r.cfg.Topic
		if env.DeliveryAttempt >= r.cfg.MaxDeliveries {
			if r.cfg.DLQTopic == "" {
				r.logger.Warn().Str("event_id", eventID).Int("attempt", env.DeliveryAttempt).Msg("Delivery attempts exhausted, no DLQ configured, dropping")
				return ack(ctx)
			}
			topic = r.cfg.DLQTopic
		}
		retry := kafka.Message{
			Topic: topic,
			Key:   msg.Key,
			Value: msg.Value,
			Headers: []kafka.Header{
				{Key: headerAttempt, Value: []byte(strconv.Itoa(env.DeliveryAttempt + 1))},
				{Key: headerEventID, Value: []byte(eventID)},
				{Key: headerReceivedAt, Value: []byte(received.Format(time.RFC3339Nano))},
			},
			Time: time.Now(),
		}
		for k, v := range attrs {
			retry.Headers = append(retry.Headers, kafka.Header{Key: headerPrefixAttr + k, Value: []byte(v)})
		}
		if err := r.writer.WriteMessages(ctx, retry); err != nil {
			// Смещение не коммитится.
			return fmt.Errorf("failed to requeue message to %s: %w", topic, err)
		}
		return ack(ctx)
	}

	return transport.NewDelivery(eventID, msg.Value, attrs, env, finish(ack), finish(nack))
}

// Close закрывает reader.
func (r *Receiver) Close() error {
	return r.reader.Close()
}
