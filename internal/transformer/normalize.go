package transformer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
)

const (
	maxTitleLength       = 256
	maxDescriptionLength = 1500
)

var priorityAliases = map[string]models.Priority{
	"p0": models.PriorityP0, "0": models.PriorityP0, "critical": models.PriorityP0,
	"p1": models.PriorityP1, "1": models.PriorityP1, "high": models.PriorityP1,
	"p2": models.PriorityP2, "2": models.PriorityP2, "medium": models.PriorityP2,
	"p3": models.PriorityP3, "3": models.PriorityP3, "low": models.PriorityP3,
}

// ParsePriority приводит значение приоритета источника к P0-P3.
// Неизвестное значение - ошибка валидации, а не приоритет по умолчанию.
func ParsePriority(source, field, value string) (models.Priority, error) {
	p, verr := parsePriority(source, field, value)
	if verr != nil {
		return "", verr
	}
	return p, nil
}

func parsePriority(source, field, value string) (models.Priority, *apperr.ValidationError) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "", apperr.Missing(source, field)
	}
	p, ok := priorityAliases[v]
	if !ok {
		return "", apperr.Invalid(source, field, fmt.Sprintf("unknown priority %q, expected P0-P3", value))
	}
	return p, nil
}

// firstNonEmpty возвращает первое непустое после обрезки пробелов значение.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func normalizeTitle(title string) string {
	return truncate(strings.Join(strings.Fields(title), " "), maxTitleLength)
}

func sanitizeDescription(description string) string {
	return truncate(strings.TrimSpace(description), maxDescriptionLength)
}

// truncate обрезает строку до limit рун, не разрывая UTF-8 последовательности.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// debugContext собирает строку для логов вида [source=grafana, messageId=...].
func debugContext(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		parts = append(parts, pairs[i]+"="+pairs[i+1])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func withContext(err *apperr.ValidationError, ctx string) *apperr.ValidationError {
	err.Context = ctx
	return err
}
