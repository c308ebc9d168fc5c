package models

import "time"

// AlertStatus - статус алерта со стороны источника.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Priority - нормализованный приоритет алерта. Значения упорядочены от самого срочного.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// NormalizedAlert - каноническое представление алерта, которое возвращает трансформер.
// Все поля, кроме EndedAt, RunbookURL и Labels, заполняются всегда.
type NormalizedAlert struct {
	Source      string            `json:"source"`
	Fingerprint string            `json:"fingerprint"`
	Status      AlertStatus       `json:"status"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Team        string            `json:"team"`
	Priority    Priority          `json:"priority"`
	SourceURL   string            `json:"source_url"`
	RunbookURL  string            `json:"runbook_url,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

// EventTime возвращает момент события, по которому упорядочиваются сообщения
// одного fingerprint: время окончания для resolved, иначе время начала.
func (a *NormalizedAlert) EventTime() time.Time {
	if a.Status == AlertResolved && a.EndedAt != nil && !a.EndedAt.IsZero() {
		return *a.EndedAt
	}
	return a.StartedAt
}
