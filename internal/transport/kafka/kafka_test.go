package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertsync/internal/transport"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader отдает сообщения, записанные в fakeWriter в топик topic.
type fakeReader struct {
	writer    *fakeWriter
	topic     string
	offset    int
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.writer.mu.Lock()
		var pending []kafka.Message
		for _, m := range r.writer.messages {
			if m.Topic == r.topic {
				pending = append(pending, m)
			}
		}
		r.writer.mu.Unlock()
		if r.offset < len(pending) {
			m := pending[r.offset]
			m.Offset = int64(r.offset)
			r.offset++
			return m, nil
		}
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func newPair(t *testing.T, maxDeliveries int) (*Publisher, *Receiver, *fakeWriter, *fakeReader) {
	t.Helper()
	w := &fakeWriter{}
	r := &fakeReader{writer: w, topic: "alerts-ingest"}
	pub, err := NewPublisher(w, "alerts-ingest")
	require.NoError(t, err)
	recv, err := NewReceiver(r, w, ReceiverConfig{Topic: "alerts-ingest", DLQTopic: "alerts-dlq", MaxDeliveries: maxDeliveries}, zerolog.Nop())
	require.NoError(t, err)
	return pub, recv, w, r
}

func receive(t *testing.T, r *Receiver) *transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ds, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestReceiver_AckCommitsOffset(t *testing.T) {
	pub, recv, _, reader := newPair(t, 3)
	require.NoError(t, pub.Publish(context.Background(), []byte(`{"a":1}`), map[string]string{transport.AttrSource: "grafana"}))

	d := receive(t, recv)
	assert.Equal(t, "grafana", d.Envelope.Source)
	assert.Equal(t, 1, d.Envelope.DeliveryAttempt)
	assert.Equal(t, "alerts-ingest", d.Envelope.IngestTopic)
	assert.NotEmpty(t, d.Envelope.EventID)

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, []int64{0}, reader.committed)
}

func TestReceiver_NackRequeuesThenDeadLetters(t *testing.T) {
	pub, recv, writer, _ := newPair(t, 2)
	require.NoError(t, pub.Publish(context.Background(), []byte("payload"), map[string]string{transport.AttrSource: "grafana"}))

	first := receive(t, recv)
	require.NoError(t, first.Nack(context.Background()))

	second := receive(t, recv)
	assert.Equal(t, 2, second.Envelope.DeliveryAttempt)
	assert.Equal(t, first.Envelope.EventID, second.Envelope.EventID)
	assert.Equal(t, "grafana", second.Envelope.Source)
	require.NoError(t, second.Nack(context.Background()))

	writer.mu.Lock()
	defer writer.mu.Unlock()
	var dlq []kafka.Message
	for _, m := range writer.messages {
		if m.Topic == "alerts-dlq" {
			dlq = append(dlq, m)
		}
	}
	require.Len(t, dlq, 1)
	assert.Equal(t, "payload", string(dlq[0].Value))
}

func TestReceiver_WaitsForSettlement(t *testing.T) {
	pub, recv, _, _ := newPair(t, 3)
	require.NoError(t, pub.Publish(context.Background(), []byte("1"), nil))
	require.NoError(t, pub.Publish(context.Background(), []byte("2"), nil))

	d := receive(t, recv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := recv.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, d.Ack(context.Background()))
	next := receive(t, recv)
	assert.Equal(t, "2", string(next.Body))
}

func TestReceiver_RequeueFailureKeepsOffset(t *testing.T) {
	pub, recv, writer, reader := newPair(t, 3)
	require.NoError(t, pub.Publish(context.Background(), []byte("x"), nil))

	d := receive(t, recv)
	writer.err = errors.New("broker down")
	assert.Error(t, d.Nack(context.Background()))
	assert.Empty(t, reader.committed)
}

func TestConstructors_Validate(t *testing.T) {
	_, err := NewWriter("")
	assert.Error(t, err)
	_, err = NewReader("localhost:9092", "", "g")
	assert.Error(t, err)
	_, err = NewReader("localhost:9092", "t", "")
	assert.Error(t, err)
	_, err = NewPublisher(&fakeWriter{}, "")
	assert.Error(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, ParseBrokers("a:1, b:2"))
}
