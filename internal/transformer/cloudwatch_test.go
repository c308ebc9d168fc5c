package transformer

import (
	"encoding/json"
	"testing"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudWatchAlarmJSON = `{
  "AlarmName": "runner-queue-depth",
  "AlarmDescription": "TEAM=dev-infra | PRIORITY=P2 | RUNBOOK=https://runbooks/queue?x=1",
  "AWSAccountId": "123456789012",
  "NewStateValue": "ALARM",
  "NewStateReason": "Threshold Crossed",
  "StateChangeTime": "2025-03-01T10:00:00.000+0000",
  "Region": "US East (Ohio)",
  "AlarmArn": "arn:aws:cloudwatch:us-east-2:123456789012:alarm:runner-queue-depth",
  "Trigger": {"MetricName": "QueueDepth", "Namespace": "Runners"}
}`

func TestCloudWatchTransform(t *testing.T) {
	env := testEnvelope()
	env.Source = SourceCloudWatch

	alert, err := NewCloudWatch().Transform([]byte(cloudWatchAlarmJSON), env)
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:cloudwatch:us-east-2:123456789012:alarm:runner-queue-depth", alert.Fingerprint)
	assert.Equal(t, models.AlertFiring, alert.Status)
	assert.Equal(t, "runner-queue-depth", alert.Title)
	assert.Equal(t, "dev-infra", alert.Team)
	assert.Equal(t, models.PriorityP2, alert.Priority)
	assert.Equal(t, "https://runbooks/queue?x=1", alert.RunbookURL)
	assert.Equal(t, "https://us-east-2.console.aws.amazon.com/cloudwatch/home?region=us-east-2#alarmsV2:alarm/runner-queue-depth", alert.SourceURL)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), alert.StartedAt)
	assert.Equal(t, "QueueDepth", alert.Labels["metric_name"])
}

func TestCloudWatchTransformSNSWrapped(t *testing.T) {
	wrapped, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": `{"AlarmName":"a","AlarmDescription":"TEAM=x|PRIORITY=0","NewStateValue":"OK","AlarmArn":"arn:aws:cloudwatch:eu-west-1:1:alarm:a"}`,
	})
	require.NoError(t, err)

	alert, err := NewCloudWatch().Transform(wrapped, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, alert.Status)
	assert.Equal(t, models.PriorityP0, alert.Priority)
	require.NotNil(t, alert.EndedAt)
	assert.Equal(t, testEnvelope().ReceivedAt, *alert.EndedAt)
}

func TestCloudWatchTransformValidation(t *testing.T) {
	testCases := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing arn", `{"AlarmName":"a","AlarmDescription":"TEAM=x|PRIORITY=P1","NewStateValue":"ALARM"}`, "AlarmArn"},
		{"missing priority", `{"AlarmArn":"arn","AlarmDescription":"TEAM=x","NewStateValue":"ALARM"}`, "PRIORITY"},
		{"missing team", `{"AlarmArn":"arn","AlarmDescription":"PRIORITY=P1","NewStateValue":"ALARM"}`, "TEAM"},
		{"insufficient data", `{"AlarmArn":"arn","AlarmDescription":"TEAM=x|PRIORITY=P1","NewStateValue":"INSUFFICIENT_DATA"}`, "NewStateValue"},
		{"missing state", `{"AlarmArn":"arn","AlarmDescription":"TEAM=x|PRIORITY=P1"}`, "NewStateValue"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCloudWatch().Transform([]byte(tc.raw), testEnvelope())
			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}
