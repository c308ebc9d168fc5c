package models

import "time"

// GrafanaWebhookMessage - корневая структура webhook-сообщения Grafana Unified Alerting.
// Формат совместим с Alertmanager и дополнен полями Grafana.
type GrafanaWebhookMessage struct {
	Receiver          string         `json:"receiver"`
	Status            string         `json:"status"` // "firing" or "resolved"
	OrgID             int64          `json:"orgId"`
	Alerts            []GrafanaAlert `json:"alerts"`
	GroupLabels       Labels         `json:"groupLabels"`
	CommonLabels      Labels         `json:"commonLabels"`
	CommonAnnotations Annotations    `json:"commonAnnotations"`
	ExternalURL       string         `json:"externalURL"`
	Version           string         `json:"version"`
	GroupKey          string         `json:"groupKey"`
	TruncatedAlerts   int            `json:"truncatedAlerts"`
	Title             string         `json:"title"`
	State             string         `json:"state"`
	Message           string         `json:"message"`
	Fingerprint       string         `json:"fingerprint"`
	Annotations       Annotations    `json:"annotations"`
	Labels            Labels         `json:"labels"`
	Priority          string         `json:"priority"`
	Team              string         `json:"team"`
}

// Labels - это набор пар ключ-значение, идентифицирующих алерт.
type Labels map[string]string

// Annotations - это набор информационных пар ключ-значение.
type Annotations map[string]string

// GrafanaAlert представляет собой отдельный алерт в сообщении.
type GrafanaAlert struct {
	Status       string      `json:"status"`
	Labels       Labels      `json:"labels"`
	Annotations  Annotations `json:"annotations"`
	StartsAt     time.Time   `json:"startsAt"`
	EndsAt       time.Time   `json:"endsAt"`
	GeneratorURL string      `json:"generatorURL"`
	Fingerprint  string      `json:"fingerprint"`
	SilenceURL   string      `json:"silenceURL"`
	DashboardURL string      `json:"dashboardURL"`
	PanelURL     string      `json:"panelURL"`
}
