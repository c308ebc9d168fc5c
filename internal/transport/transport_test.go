package transport

import (
	"context"
	"testing"
	"time"

	"alertsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestParseTopicARN(t *testing.T) {
	tests := []struct {
		arn        string
		wantTopic  string
		wantRegion string
	}{
		{arn: "arn:aws:sns:eu-west-1:123456789012:alerts-ingest", wantTopic: "alerts-ingest", wantRegion: "eu-west-1"},
		{arn: "alerts-ingest", wantTopic: "alerts-ingest"},
		{arn: "", wantTopic: ""},
	}
	for _, tt := range tests {
		topic, region := ParseTopicARN(tt.arn)
		assert.Equal(t, tt.wantTopic, topic, tt.arn)
		assert.Equal(t, tt.wantRegion, region, tt.arn)
	}
}

func TestParseAttemptAndMillis(t *testing.T) {
	assert.Equal(t, 3, ParseAttempt("3"))
	assert.Equal(t, 1, ParseAttempt("0"))
	assert.Equal(t, 1, ParseAttempt("x"))

	fallback := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.UnixMilli(1740830400000).UTC(), ParseMillis("1740830400000", fallback))
	assert.Equal(t, fallback, ParseMillis("", fallback))
}

func TestDelivery_SourceFromAttributes(t *testing.T) {
	acked := false
	d := NewDelivery("m-1", []byte("{}"), map[string]string{AttrSource: "grafana"}, models.DeliveryEnvelope{DeliveryAttempt: 1},
		func(context.Context) error { acked = true; return nil }, nil)

	assert.Equal(t, "grafana", d.Envelope.Source)
	assert.NoError(t, d.Nack(context.Background()))
	assert.NoError(t, d.Ack(context.Background()))
	assert.True(t, acked)
}
