package memory

import (
	"context"
	"testing"
	"time"

	"alertsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, q *Queue) *transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ds, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestQueue_AckRemovesMessage(t *testing.T) {
	q := NewQueue("alerts-ingest", 3)
	require.NoError(t, q.Publish(context.Background(), []byte(`{"a":1}`), map[string]string{transport.AttrSource: "grafana"}))

	d := receiveOne(t, q)
	assert.Equal(t, "grafana", d.Envelope.Source)
	assert.Equal(t, "alerts-ingest", d.Envelope.IngestTopic)
	assert.Equal(t, 1, d.Envelope.DeliveryAttempt)
	assert.Equal(t, 1, q.InFlight())

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_NackRedeliversThenDeadLetters(t *testing.T) {
	q := NewQueue("alerts-ingest", 2)
	require.NoError(t, q.Publish(context.Background(), []byte("x"), nil))

	first := receiveOne(t, q)
	require.NoError(t, first.Nack(context.Background()))

	second := receiveOne(t, q)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Envelope.EventID, second.Envelope.EventID)
	assert.Equal(t, 2, second.Envelope.DeliveryAttempt)

	require.NoError(t, second.Nack(context.Background()))
	assert.Equal(t, 0, q.Pending())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestQueue_ReceiveHonorsContext(t *testing.T) {
	q := NewQueue("t", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
