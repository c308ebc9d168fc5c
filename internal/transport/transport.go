// Package transport описывает шину между шлюзом вебхуков и потребителем:
// публикация сырого payload в fan-out топик и получение доставок из очереди.
//
// Семантика доставки - at-least-once. Доставка подтверждается (Ack) только после
// успешной обработки; неподтвержденная доставка вернется в очередь.
package transport

import (
	"context"
	"strconv"
	"strings"
	"time"

	"alertsync/internal/models"
)

// AttrSource - атрибут сообщения с тегом источника алерта.
const AttrSource = "source"

// Publisher публикует сырой payload вендора без изменений.
type Publisher interface {
	Publish(ctx context.Context, body []byte, attrs map[string]string) error
}

// Receiver блокируется до появления хотя бы одной доставки или отмены ctx.
type Receiver interface {
	Receive(ctx context.Context) ([]*Delivery, error)
}

// Delivery - одна попытка доставки сообщения.
type Delivery struct {
	ID         string
	Body       []byte
	Attributes map[string]string
	Envelope   models.DeliveryEnvelope

	ack  func(context.Context) error
	nack func(context.Context) error
}

// NewDelivery собирает доставку; ack и nack могут быть nil.
func NewDelivery(id string, body []byte, attrs map[string]string, env models.DeliveryEnvelope, ack, nack func(context.Context) error) *Delivery {
	if attrs == nil {
		attrs = map[string]string{}
	}
	if env.Source == "" {
		env.Source = attrs[AttrSource]
	}
	return &Delivery{
		ID:         id,
		Body:       body,
		Attributes: attrs,
		Envelope:   env,
		ack:        ack,
		nack:       nack,
	}
}

// Ack подтверждает обработку; сообщение больше не будет доставлено.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack возвращает сообщение в очередь. Для очередей с таймаутом видимости
// это может быть no-op: сообщение появится снова по истечении таймаута.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// ParseTopicARN извлекает имя топика и регион из ARN вида
// arn:aws:sns:<region>:<account>:<topic>.
func ParseTopicARN(arn string) (topic, region string) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[0] != "arn" {
		return arn, ""
	}
	return parts[5], parts[3]
}

// ParseAttempt разбирает счетчик попыток; значения меньше 1 приводятся к 1.
func ParseAttempt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ParseMillis разбирает unix-время в миллисекундах (SentTimestamp SQS). fallback - при ошибке.
func ParseMillis(s string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
