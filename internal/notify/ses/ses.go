// Package ses отправляет уведомления оператору письмом через AWS SES.
package ses

import (
	"context"
	"fmt"

	"alertsync/internal/models"
	"alertsync/internal/notify"
	"alertsync/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
)

// API - используемое подмножество клиента SES.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Notifier struct {
	client API
	from   string
	to     []string
	logger zerolog.Logger
}

var _ service.Notifier = (*Notifier)(nil)

// New создает SES-клиент с конфигурацией AWS по умолчанию.
func New(ctx context.Context, region, from string, to []string, logger zerolog.Logger) (*Notifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(sesv2.NewFromConfig(cfg), from, to, logger)
}

func NewWithClient(client API, from string, to []string, logger zerolog.Logger) (*Notifier, error) {
	if from == "" {
		return nil, fmt.Errorf("sender address is empty")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("no recipients specified")
	}
	return &Notifier{
		client: client,
		from:   from,
		to:     to,
		logger: logger.With().Str("component", "ses").Logger(),
	}, nil
}

func (n *Notifier) NotifyOperator(ctx context.Context, notice models.OperatorNotice) error {
	subject := notify.Subject(notice)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: n.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(notify.PlainText(notice))},
				},
			},
		},
	}

	out, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES send failed: %w", err)
	}
	n.logger.Info().
		Str("message_id", aws.ToString(out.MessageId)).
		Str("fingerprint", notice.Fingerprint).
		Msg("Operator email sent")
	return nil
}
