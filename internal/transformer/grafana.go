package transformer

import (
	"encoding/json"
	"strconv"
	"strings"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
)

// SourceGrafana - тег источника для webhook-ов Grafana.
const SourceGrafana = "grafana"

// Grafana нормализует webhook Grafana Unified Alerting.
// Берется первый алерт из alerts[], при его отсутствии - поля верхнего уровня.
type Grafana struct{}

func NewGrafana() *Grafana { return &Grafana{} }

func (g *Grafana) Source() string { return SourceGrafana }

func (g *Grafana) Detect(raw []byte) bool {
	var probe struct {
		Alerts   json.RawMessage `json:"alerts"`
		OrgID    json.RawMessage `json:"orgId"`
		Receiver json.RawMessage `json:"receiver"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Alerts) > 0 || len(probe.OrgID) > 0 || len(probe.Receiver) > 0
}

func (g *Grafana) Transform(raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, error) {
	var msg models.GrafanaWebhookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, withContext(apperr.Invalid(SourceGrafana, "payload", err.Error()), g.debugContext(&msg, envelope))
	}
	ctx := g.debugContext(&msg, envelope)

	a := firstAlert(&msg)
	labels := a.Labels
	if len(labels) == 0 {
		labels = msg.CommonLabels
	}
	annotations := a.Annotations
	if len(annotations) == 0 {
		annotations = msg.CommonAnnotations
	}

	fingerprint := firstNonEmpty(a.Fingerprint, msg.Fingerprint)
	if fingerprint == "" {
		return nil, withContext(apperr.Missing(SourceGrafana, "fingerprint"), ctx)
	}

	status, verr := grafanaStatus(firstNonEmpty(a.Status, msg.Status, msg.State))
	if verr != nil {
		return nil, withContext(verr, ctx)
	}

	rawPriority := firstNonEmpty(annotations["Priority"], annotations["priority"], labels["priority"], msg.Priority)
	priority, verr := parsePriority(SourceGrafana, "Priority", rawPriority)
	if verr != nil {
		return nil, withContext(verr, ctx)
	}

	team := firstNonEmpty(annotations["Team"], annotations["TEAM"], annotations["team"], labels["team"], msg.Team)
	if team == "" {
		return nil, withContext(apperr.Missing(SourceGrafana, "Team"), ctx)
	}

	title := firstNonEmpty(labels["rulename"], labels["alertname"], msg.GroupLabels["alertname"], msg.Title)
	// Заголовок не обязателен: плоский payload без меток все равно заводит issue.
	if title == "" {
		title = "Grafana alert " + fingerprint
	}

	out := &models.NormalizedAlert{
		Source:      SourceGrafana,
		Fingerprint: fingerprint,
		Status:      status,
		Title:       normalizeTitle(title),
		Description: sanitizeDescription(firstNonEmpty(annotations["description"], annotations["summary"], msg.Message)),
		Team:        team,
		Priority:    priority,
		SourceURL:   firstNonEmpty(a.GeneratorURL, a.PanelURL, a.DashboardURL),
		RunbookURL:  firstNonEmpty(annotations["runbook_url"], labels["runbook_url"]),
		Labels:      copyLabels(labels),
		StartedAt:   a.StartsAt,
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = envelope.ReceivedAt
	}
	if status == models.AlertResolved && !a.EndsAt.IsZero() {
		ended := a.EndsAt
		out.EndedAt = &ended
	}
	return out, nil
}

func firstAlert(msg *models.GrafanaWebhookMessage) models.GrafanaAlert {
	if len(msg.Alerts) > 0 {
		return msg.Alerts[0]
	}
	return models.GrafanaAlert{
		Status:      msg.Status,
		Labels:      msg.Labels,
		Annotations: msg.Annotations,
		Fingerprint: msg.Fingerprint,
	}
}

func grafanaStatus(value string) (models.AlertStatus, *apperr.ValidationError) {
	switch strings.ToLower(value) {
	case "":
		return "", apperr.Missing(SourceGrafana, "status")
	case "firing", "alerting":
		return models.AlertFiring, nil
	case "resolved", "ok":
		return models.AlertResolved, nil
	default:
		return "", apperr.Invalid(SourceGrafana, "status", "expected firing or resolved, got "+strconv.Quote(value))
	}
}

func (g *Grafana) debugContext(msg *models.GrafanaWebhookMessage, envelope models.DeliveryEnvelope) string {
	var title, team, generatorURL, orgID string
	if len(msg.Alerts) > 0 {
		a := msg.Alerts[0]
		title = firstNonEmpty(a.Labels["rulename"], a.Labels["alertname"])
		team = firstNonEmpty(a.Annotations["Team"], a.Annotations["TEAM"], a.Annotations["team"], a.Labels["team"])
		generatorURL = a.GeneratorURL
	}
	title = firstNonEmpty(title, msg.GroupLabels["alertname"], msg.CommonLabels["alertname"], "unknown")
	team = firstNonEmpty(team, msg.CommonAnnotations["Team"], msg.CommonAnnotations["TEAM"], msg.CommonLabels["team"])
	if msg.OrgID != 0 {
		orgID = strconv.FormatInt(msg.OrgID, 10)
	}
	return debugContext(
		"source", SourceGrafana,
		"messageId", envelope.EventID,
		"alertTitle", strconv.Quote(title),
		"orgId", orgID,
		"team", quoteIfSet(team),
		"generatorURL", quoteIfSet(generatorURL),
	)
}

func quoteIfSet(s string) string {
	if s == "" {
		return ""
	}
	return strconv.Quote(s)
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
