// Package notify - канал оператора: сообщения о доставках, которые подтверждены
// без синхронизации с трекером (постоянные ошибки GitHub).
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/service"

	"github.com/rs/zerolog"
)

// Log пишет уведомления в лог. Используется, когда другие каналы не настроены.
type Log struct {
	logger zerolog.Logger
}

var _ service.Notifier = (*Log)(nil)

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "operator").Logger()}
}

func (l *Log) NotifyOperator(_ context.Context, n models.OperatorNotice) error {
	l.logger.Warn().
		Str("fingerprint", n.Fingerprint).
		Str("source", n.Source).
		Str("repo", n.Repo).
		Str("event_id", n.EventID).
		Str("reason", n.Reason).
		Msg("Operator attention required")
	return nil
}

// Multi рассылает уведомление во все каналы. Ошибка одного канала не мешает остальным.
type Multi []service.Notifier

func (m Multi) NotifyOperator(ctx context.Context, n models.OperatorNotice) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.NotifyOperator(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject - короткая тема уведомления.
func Subject(n models.OperatorNotice) string {
	title := n.Title
	if title == "" {
		title = n.Fingerprint
	}
	return fmt.Sprintf("[alertsync] alert not synced: %s", title)
}

// PlainText - текст уведомления без разметки.
func PlainText(n models.OperatorNotice) string {
	var b strings.Builder
	b.WriteString("An alert could not be synchronized with the issue tracker and was acknowledged.\n\n")
	fmt.Fprintf(&b, "Fingerprint: %s\n", n.Fingerprint)
	if n.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", n.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n", n.Source)
	fmt.Fprintf(&b, "Repository: %s\n", n.Repo)
	fmt.Fprintf(&b, "Event ID: %s\n", n.EventID)
	fmt.Fprintf(&b, "Occurred at: %s\n", n.OccurredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Reason: %s\n", n.Reason)
	return b.String()
}
