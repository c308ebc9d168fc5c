// Package awsq - fan-out через SNS и получение доставок из SQS.
package awsq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/transport"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// SNSAPI - используемое подмножество клиента SNS.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSAPI - используемое подмножество клиента SQS.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher публикует payload в SNS-топик с атрибутом source.
type Publisher struct {
	client   SNSAPI
	topicARN string
}

var _ transport.Publisher = (*Publisher)(nil)

func NewPublisher(client SNSAPI, topicARN string) (*Publisher, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("topic arn cannot be empty")
	}
	return &Publisher{client: client, topicARN: topicARN}, nil
}

func (p *Publisher) Publish(ctx context.Context, body []byte, attrs map[string]string) error {
	msgAttrs := make(map[string]snstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		msgAttrs[k] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: msgAttrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topicARN, err)
	}
	return nil
}

// ReceiverConfig - параметры long polling.
type ReceiverConfig struct {
	QueueURL string
	// TopicARN используется для конверта, если тело не является SNS-уведомлением (raw delivery).
	TopicARN          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// Receiver получает сообщения из SQS. Nack - no-op: сообщение вернется по таймауту видимости,
// после maxReceiveCount попыток SQS переложит его в DLQ.
type Receiver struct {
	client SQSAPI
	cfg    ReceiverConfig
	logger zerolog.Logger
	now    func() time.Time
}

var _ transport.Receiver = (*Receiver)(nil)

func NewReceiver(client SQSAPI, cfg ReceiverConfig, logger zerolog.Logger) (*Receiver, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue url cannot be empty")
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	return &Receiver{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "sqs").Str("queue", cfg.QueueURL).Logger(),
		now:    time.Now,
	}, nil
}

func (r *Receiver) Receive(ctx context.Context) ([]*transport.Delivery, error) {
	for {
		input := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.cfg.QueueURL),
			MaxNumberOfMessages: r.cfg.MaxMessages,
			WaitTimeSeconds:     r.cfg.WaitTimeSeconds,
			MessageAttributeNames: []string{
				"All",
			},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
				sqstypes.MessageSystemAttributeNameSentTimestamp,
			},
		}
		if r.cfg.VisibilityTimeout > 0 {
			input.VisibilityTimeout = r.cfg.VisibilityTimeout
		}

		out, err := r.client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive messages: %w", err)
		}
		if len(out.Messages) == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		deliveries := make([]*transport.Delivery, 0, len(out.Messages))
		for _, msg := range out.Messages {
			deliveries = append(deliveries, r.delivery(msg))
		}
		return deliveries, nil
	}
}

// snsNotification - тело SQS-сообщения, когда подписка SNS не использует raw delivery.
type snsNotification struct {
	Type              string `json:"Type"`
	MessageID         string `json:"MessageId"`
	TopicArn          string `json:"TopicArn"`
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

func (r *Receiver) delivery(msg sqstypes.Message) *transport.Delivery {
	body := []byte(aws.ToString(msg.Body))
	attrs := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	topicARN := r.cfg.TopicARN

	var note snsNotification
	if json.Unmarshal(body, &note) == nil && note.Type == "Notification" && note.TopicArn != "" {
		body = []byte(note.Message)
		topicARN = note.TopicArn
		for k, v := range note.MessageAttributes {
			attrs[k] = v.Value
		}
	}

	topic, region := transport.ParseTopicARN(topicARN)
	env := models.DeliveryEnvelope{
		Source:          attrs[transport.AttrSource],
		ReceivedAt:      transport.ParseMillis(msg.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], r.now().UTC()),
		IngestTopic:     topic,
		IngestRegion:    region,
		DeliveryAttempt: transport.ParseAttempt(msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]),
		EventID:         aws.ToString(msg.MessageId),
	}

	receipt := msg.ReceiptHandle
	ack := func(ctx context.Context) error {
		_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(r.cfg.QueueURL),
			ReceiptHandle: receipt,
		})
		if err != nil {
			return fmt.Errorf("failed to delete message %s: %w", env.EventID, err)
		}
		return nil
	}
	return transport.NewDelivery(env.EventID, body, attrs, env, ack, nil)
}
