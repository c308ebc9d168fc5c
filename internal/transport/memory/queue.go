// Package memory - очередь в памяти процесса для режима serve (шлюз и потребитель
// в одном процессе) и для тестов. Повторяет семантику SQS: счетчик попыток,
// возврат неподтвержденных сообщений и DLQ после MaxReceives попыток.
package memory

import (
	"context"
	"sync"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/transport"

	"github.com/google/uuid"
)

const defaultMaxReceives = 5

type item struct {
	id       string
	body     []byte
	attrs    map[string]string
	sentAt   time.Time
	attempts int
}

// Message - сообщение, попавшее в DLQ.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string
	Attempts   int
}

// Queue - одновременно Publisher и Receiver.
type Queue struct {
	topic       string
	maxReceives int
	batchSize   int
	now         func() time.Time

	mu       sync.Mutex
	ready    []*item
	inflight map[string]*item
	dead     []*item
	signal   chan struct{}
}

var (
	_ transport.Publisher = (*Queue)(nil)
	_ transport.Receiver  = (*Queue)(nil)
)

// NewQueue создает очередь. maxReceives <= 0 означает значение по умолчанию (5).
func NewQueue(topic string, maxReceives int) *Queue {
	if maxReceives <= 0 {
		maxReceives = defaultMaxReceives
	}
	return &Queue{
		topic:       topic,
		maxReceives: maxReceives,
		batchSize:   10,
		now:         time.Now,
		inflight:    make(map[string]*item),
		signal:      make(chan struct{}, 1),
	}
}

func (q *Queue) Publish(_ context.Context, body []byte, attrs map[string]string) error {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	q.mu.Lock()
	q.ready = append(q.ready, &item{
		id:     uuid.NewString(),
		body:   append([]byte(nil), body...),
		attrs:  copied,
		sentAt: q.now().UTC(),
	})
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *Queue) Receive(ctx context.Context) ([]*transport.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			n := len(q.ready)
			if n > q.batchSize {
				n = q.batchSize
			}
			batch := q.ready[:n:n]
			q.ready = q.ready[n:]
			remaining := len(q.ready)

			deliveries := make([]*transport.Delivery, 0, n)
			for _, it := range batch {
				it.attempts++
				q.inflight[it.id] = it
				deliveries = append(deliveries, q.delivery(it))
			}
			q.mu.Unlock()
			if remaining > 0 {
				q.notify()
			}
			return deliveries, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) delivery(it *item) *transport.Delivery {
	env := models.DeliveryEnvelope{
		Source:          it.attrs[transport.AttrSource],
		ReceivedAt:      it.sentAt,
		IngestTopic:     q.topic,
		DeliveryAttempt: it.attempts,
		EventID:         it.id,
	}
	id := it.id
	return transport.NewDelivery(id, it.body, it.attrs, env,
		func(context.Context) error { q.ack(id); return nil },
		func(context.Context) error { q.nack(id); return nil },
	)
}

func (q *Queue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

func (q *Queue) nack(id string) {
	q.mu.Lock()
	it, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, id)
	if it.attempts >= q.maxReceives {
		q.dead = append(q.dead, it)
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, it)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pending - сообщения, ожидающие доставки.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight - выданные, но не подтвержденные сообщения.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// DeadLetters возвращает содержимое DLQ.
func (q *Queue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.dead))
	for _, it := range q.dead {
		out = append(out, Message{ID: it.id, Body: it.body, Attributes: it.attrs, Attempts: it.attempts})
	}
	return out
}
