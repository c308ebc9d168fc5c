// Package telegram - канал оператора в Telegram и команды для просмотра
// состояния синхронизации алертов (/alerts, /alert).
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/service"

	"github.com/rs/zerolog"
	"gopkg.in/telebot.v3"
)

const maxListedAlerts = 30

// sender - подмножество *telebot.Bot, через которое уходят уведомления.
type sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// Config - настройки бота.
type Config struct {
	Token  string
	ChatID int64
	// AllowedUsers - Telegram ID пользователей, которым доступны команды. Пусто - всем.
	AllowedUsers []int64
	// Repo - репозиторий issues, используется для ссылок.
	Repo string
	// Offline - не обращаться к Telegram API при создании (для тестов).
	Offline bool
}

type Bot struct {
	bot     *telebot.Bot
	sender  sender
	states  service.StateRepository
	chat    *telebot.Chat
	allowed map[int64]struct{}
	repo    string
	logger  zerolog.Logger
}

var _ service.Notifier = (*Bot)(nil)

func NewBot(cfg Config, states service.StateRepository, logger zerolog.Logger) (*Bot, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is not configured")
	}
	pref := telebot.Settings{
		Token:   cfg.Token,
		Poller:  &telebot.LongPoller{Timeout: 10 * time.Second},
		Offline: cfg.Offline,
	}
	tb, err := telebot.NewBot(pref)
	if err != nil {
		return nil, err
	}

	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}
	b := &Bot{
		bot:     tb,
		sender:  tb,
		states:  states,
		chat:    &telebot.Chat{ID: cfg.ChatID},
		allowed: allowed,
		repo:    cfg.Repo,
		logger:  logger.With().Str("component", "telegram").Logger(),
	}
	tb.Use(b.authMiddleware())
	b.registerHandlers()
	return b, nil
}

// Start обрабатывает команды до отмены ctx.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	b.logger.Info().Msg("Telegram bot starting")
	b.bot.Start()
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/alerts", b.handleListAlerts)
	b.bot.Handle("/alert", b.handleAlert)
}

// NotifyOperator отправляет уведомление в чат оператора.
func (b *Bot) NotifyOperator(_ context.Context, n models.OperatorNotice) error {
	_, err := b.sender.Send(b.chat, formatNotice(n), &telebot.SendOptions{
		ParseMode:             telebot.ModeMarkdownV2,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (b *Bot) handleStart(c telebot.Context) error {
	return c.Send("Используйте /alerts для просмотра активных алертов и /alert <fingerprint> для подробностей.")
}

func (b *Bot) handleListAlerts(c telebot.Context) error {
	states, err := b.states.ListByStatus(context.Background(), models.StatusPending, models.StatusOpen, models.StatusUpdated)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list alert states")
		return c.Send("Не удалось получить список алертов.")
	}
	return c.Send(formatAlertList(states, b.repo), telebot.ModeMarkdownV2, telebot.NoPreview)
}

func (b *Bot) handleAlert(c telebot.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Использование: /alert <fingerprint>")
	}
	st, err := b.states.Get(context.Background(), args[0])
	if err != nil {
		b.logger.Error().Err(err).Str("fingerprint", args[0]).Msg("Failed to get alert state")
		return c.Send("Не удалось получить состояние алерта.")
	}
	if st == nil {
		return c.Send("Алерт не найден.")
	}
	return c.Send(formatAlertDetails(st), telebot.ModeMarkdownV2, telebot.NoPreview)
}

func (b *Bot) authMiddleware() telebot.MiddlewareFunc {
	return func(next telebot.HandlerFunc) telebot.HandlerFunc {
		return func(c telebot.Context) error {
			if c.Sender() == nil || b.authorized(c.Sender().ID) {
				return next(c)
			}
			b.logger.Warn().Int64("user_id", c.Sender().ID).Msg("Rejected command from unknown user")
			return c.Send("Доступ запрещен.")
		}
	}
}

func (b *Bot) authorized(userID int64) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[userID]
	return ok
}

func formatNotice(n models.OperatorNotice) string {
	var builder strings.Builder
	title := n.Title
	if title == "" {
		title = n.Fingerprint
	}
	builder.WriteString(fmt.Sprintf("⚠️ *Алерт не синхронизирован: %s*\n\n", escapeMarkdown(title)))
	builder.WriteString(fmt.Sprintf("∙ *Fingerprint:* `%s`\n", escapeMarkdown(n.Fingerprint)))
	builder.WriteString(fmt.Sprintf("∙ *Источник:* %s\n", escapeMarkdown(n.Source)))
	builder.WriteString(fmt.Sprintf("∙ *Репозиторий:* %s\n", escapeMarkdown(n.Repo)))
	builder.WriteString(fmt.Sprintf("∙ *Event ID:* `%s`\n", escapeMarkdown(n.EventID)))
	builder.WriteString(fmt.Sprintf("∙ *Время:* %s\n", escapeMarkdown(n.OccurredAt.UTC().Format(time.RFC3339))))
	builder.WriteString(fmt.Sprintf("∙ *Причина:* %s\n", escapeMarkdown(n.Reason)))
	return builder.String()
}

func formatAlertList(states []*models.AlertState, repo string) string {
	if len(states) == 0 {
		return escapeMarkdown("Активных алертов нет.")
	}
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("*Активные алерты \\(%d\\)*\n\n", len(states)))
	for i, st := range states {
		if i == maxListedAlerts {
			builder.WriteString(escapeMarkdown(fmt.Sprintf("… и еще %d", len(states)-maxListedAlerts)))
			break
		}
		issue := "—"
		if st.HasIssue() {
			issue = fmt.Sprintf("[#%d](%s)", *st.IssueNumber, issueURL(st.IssueRepo, repo, *st.IssueNumber))
		}
		builder.WriteString(fmt.Sprintf("∙ *%s* %s `%s` %s\n",
			escapeMarkdown(string(st.Priority)),
			escapeMarkdown(st.Title),
			escapeMarkdown(string(st.Status)),
			issue,
		))
	}
	return builder.String()
}

func formatAlertDetails(st *models.AlertState) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("*%s*\n\n", escapeMarkdown(st.Title)))
	builder.WriteString(fmt.Sprintf("∙ *Fingerprint:* `%s`\n", escapeMarkdown(st.Fingerprint)))
	builder.WriteString(fmt.Sprintf("∙ *Статус:* `%s` / `%s`\n", escapeMarkdown(string(st.Status)), escapeMarkdown(string(st.AlertStatus))))
	builder.WriteString(fmt.Sprintf("∙ *Приоритет:* %s\n", escapeMarkdown(string(st.Priority))))
	builder.WriteString(fmt.Sprintf("∙ *Команда:* %s\n", escapeMarkdown(st.Team)))
	if st.HasIssue() {
		builder.WriteString(fmt.Sprintf("∙ *Issue:* [%s\\#%d](%s)\n",
			escapeMarkdown(st.IssueRepo), *st.IssueNumber, issueURL(st.IssueRepo, "", *st.IssueNumber)))
	}
	builder.WriteString(fmt.Sprintf("∙ *Обновлен:* %s\n", escapeMarkdown(st.LastUpdatedAt.UTC().Format(time.RFC3339))))
	return builder.String()
}

func issueURL(stateRepo, fallback string, number int) string {
	repo := stateRepo
	if repo == "" {
		repo = fallback
	}
	return fmt.Sprintf("https://github.com/%s/issues/%d", repo, number)
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(",
		"\\(", ")", "\\)", "~", "\\~", "`", "\\`", ">", "\\>",
		"#", "\\#", "+", "\\+", "-", "\\-", "=", "\\=", "|",
		"\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
	)
	return replacer.Replace(s)
}
