package transformer

import (
	"testing"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope() models.DeliveryEnvelope {
	return models.DeliveryEnvelope{
		Source:          SourceGrafana,
		ReceivedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		IngestTopic:     "alerts-ingest",
		IngestRegion:    "us-east-2",
		DeliveryAttempt: 1,
		EventID:         "msg-1",
	}
}

const grafanaFiring = `{
  "receiver": "alertsync",
  "status": "firing",
  "orgId": 1,
  "alerts": [{
    "status": "firing",
    "labels": {"alertname": "HighCPU", "rulename": "CPU above 90% on runners", "instance": "runner-7"},
    "annotations": {"Priority": "P1", "Team": "infra", "description": "CPU is hot", "runbook_url": "https://runbooks/cpu"},
    "startsAt": "2025-03-01T09:58:00Z",
    "endsAt": "0001-01-01T00:00:00Z",
    "generatorURL": "https://grafana.example.com/alerting/grafana/abc/view",
    "fingerprint": "f1a2b3"
  }],
  "groupLabels": {"alertname": "HighCPU"},
  "commonLabels": {"alertname": "HighCPU"},
  "commonAnnotations": {},
  "externalURL": "https://grafana.example.com/"
}`

func TestGrafanaTransform(t *testing.T) {
	alert, err := NewGrafana().Transform([]byte(grafanaFiring), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "f1a2b3", alert.Fingerprint)
	assert.Equal(t, models.AlertFiring, alert.Status)
	assert.Equal(t, "CPU above 90% on runners", alert.Title)
	assert.Equal(t, "CPU is hot", alert.Description)
	assert.Equal(t, "infra", alert.Team)
	assert.Equal(t, models.PriorityP1, alert.Priority)
	assert.Equal(t, "https://grafana.example.com/alerting/grafana/abc/view", alert.SourceURL)
	assert.Equal(t, "https://runbooks/cpu", alert.RunbookURL)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 58, 0, 0, time.UTC), alert.StartedAt)
	assert.Nil(t, alert.EndedAt)
	assert.Equal(t, "runner-7", alert.Labels["instance"])
}

func TestGrafanaTransformTopLevelPayload(t *testing.T) {
	raw := `{"status":"firing","fingerprint":"abc123","annotations":{"Priority":"High","TEAM":"infra"}}`

	alert, err := NewGrafana().Transform([]byte(raw), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "abc123", alert.Fingerprint)
	assert.Equal(t, models.PriorityP1, alert.Priority)
	assert.Equal(t, "infra", alert.Team)
	assert.Equal(t, "Grafana alert abc123", alert.Title)
	assert.Equal(t, testEnvelope().ReceivedAt, alert.StartedAt, "missing startsAt falls back to receive time")
}

func TestGrafanaTransformTopLevelTeam(t *testing.T) {
	raw := `{"status":"firing","fingerprint":"abc123","team":"payments","annotations":{"Priority":"P2"}}`

	alert, err := NewGrafana().Transform([]byte(raw), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "payments", alert.Team)

	// Аннотация важнее поля верхнего уровня.
	raw = `{"status":"firing","fingerprint":"abc123","team":"payments","annotations":{"Priority":"P2","Team":"infra"}}`
	alert, err = NewGrafana().Transform([]byte(raw), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "infra", alert.Team)
}

func TestGrafanaTransformResolved(t *testing.T) {
	raw := `{"alerts":[{"status":"resolved","fingerprint":"f1","labels":{"alertname":"Disk"},
		"annotations":{"priority":"p2","team":"storage"},
		"startsAt":"2025-03-01T09:00:00Z","endsAt":"2025-03-01T09:30:00Z"}]}`

	alert, err := NewGrafana().Transform([]byte(raw), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, models.AlertResolved, alert.Status)
	require.NotNil(t, alert.EndedAt)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), *alert.EndedAt)
	assert.Equal(t, *alert.EndedAt, alert.EventTime())
}

func TestGrafanaTransformValidation(t *testing.T) {
	testCases := []struct {
		name  string
		raw   string
		field string
		msg   string
	}{
		{
			name:  "custom priority annotation is not accepted",
			raw:   `{"status":"firing","fingerprint":"abc123","annotations":{"CustomAnnotationPriority":"High","TEAM":"infra"}}`,
			field: "Priority",
			msg:   "missing field: Priority",
		},
		{
			name:  "missing fingerprint",
			raw:   `{"alerts":[{"status":"firing","annotations":{"Priority":"P1","Team":"infra"}}]}`,
			field: "fingerprint",
			msg:   "missing field: fingerprint",
		},
		{
			name:  "missing status",
			raw:   `{"fingerprint":"x","annotations":{"Priority":"P1","Team":"infra"}}`,
			field: "status",
			msg:   "missing field: status",
		},
		{
			name:  "unknown status",
			raw:   `{"status":"pending","fingerprint":"x","annotations":{"Priority":"P1","Team":"infra"}}`,
			field: "status",
		},
		{
			name:  "missing team",
			raw:   `{"status":"firing","fingerprint":"x","annotations":{"Priority":"P1"}}`,
			field: "Team",
			msg:   "missing field: Team",
		},
		{
			name:  "unknown priority value",
			raw:   `{"status":"firing","fingerprint":"x","annotations":{"Priority":"urgent","Team":"infra"}}`,
			field: "Priority",
		},
		{
			name:  "broken json",
			raw:   `{"status":`,
			field: "payload",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alert, err := NewGrafana().Transform([]byte(tc.raw), testEnvelope())
			require.Error(t, err)
			assert.Nil(t, alert)

			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, SourceGrafana, verr.Source)
			assert.Contains(t, verr.Context, "messageId=msg-1")
			if tc.msg != "" {
				assert.EqualError(t, err, tc.msg)
			}
		})
	}
}

func TestGrafanaDebugContext(t *testing.T) {
	raw := `{"orgId":3,"alerts":[{"status":"firing","fingerprint":"x","labels":{"alertname":"Disk"},"annotations":{"Team":"storage"}}]}`

	_, err := NewGrafana().Transform([]byte(raw), testEnvelope())
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, `[source=grafana, messageId=msg-1, alertTitle="Disk", orgId=3, team="storage"]`, verr.Context)
}
