package service

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertsync/internal/models"

	"github.com/zeebo/blake3"
)

// AlertLabel - метка, которой помечается каждый issue, заведенный по алерту.
const AlertLabel = "alert"

// ContentHash вычисляет хэш отрисованного issue: заголовка, тела и меток.
// Совпадение хэша означает, что обновлять issue не нужно.
func ContentHash(alert *models.NormalizedAlert) string {
	content := RenderIssue(alert)
	h := blake3.New()
	for _, field := range append([]string{content.Title, content.Body}, content.Labels...) {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// FingerprintMarker - скрытая метка в теле issue, по которой issue находится
// после падения обработчика между созданием issue и записью состояния.
func FingerprintMarker(fingerprint string) string {
	return "<!-- alertsync:fingerprint=" + fingerprint + " -->"
}

// IssueLabels возвращает набор меток issue для алерта.
func IssueLabels(alert *models.NormalizedAlert) []string {
	labels := []string{
		AlertLabel,
		"team:" + alert.Team,
		"priority:" + string(alert.Priority),
	}
	if alert.Source != "" {
		labels = append(labels, "source:"+alert.Source)
	}
	return labels
}

// RenderIssue формирует заголовок, тело и метки issue.
func RenderIssue(alert *models.NormalizedAlert) models.IssueContent {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", alert.Title)
	if alert.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", alert.Description)
	}
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Priority | %s |\n", alert.Priority)
	fmt.Fprintf(&b, "| Team | %s |\n", alert.Team)
	if alert.Source != "" {
		fmt.Fprintf(&b, "| Source | %s |\n", alert.Source)
	}
	fmt.Fprintf(&b, "| Started | %s |\n", alert.StartedAt.UTC().Format(time.RFC3339))
	if alert.SourceURL != "" {
		fmt.Fprintf(&b, "| Alert | [open](%s) |\n", alert.SourceURL)
	}
	if alert.RunbookURL != "" {
		fmt.Fprintf(&b, "| Runbook | [open](%s) |\n", alert.RunbookURL)
	}
	if len(alert.Labels) > 0 {
		keys := make([]string, 0, len(alert.Labels))
		for k := range alert.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n<details><summary>Labels</summary>\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: `%s`\n", k, alert.Labels[k])
		}
		b.WriteString("\n</details>\n")
	}
	b.WriteString("\n")
	b.WriteString(FingerprintMarker(alert.Fingerprint))
	b.WriteString("\n")

	title := fmt.Sprintf("[%s] %s", alert.Priority, alert.Title)
	return models.IssueContent{Title: title, Body: b.String(), Labels: IssueLabels(alert)}
}

func resolutionComment(alert *models.NormalizedAlert) string {
	return fmt.Sprintf("Alert resolved at %s.", alert.EventTime().UTC().Format(time.RFC3339))
}

func recurrenceComment(alert *models.NormalizedAlert) string {
	return fmt.Sprintf("Alert fired again at %s, reopening.", alert.StartedAt.UTC().Format(time.RFC3339))
}
