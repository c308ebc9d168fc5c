// Package consumer - обработчик очереди: получает доставки, прогоняет их через
// конвейер (нормализация, дедупликация, синхронизация) и решает, подтверждать ли сообщение.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/metrics"
	"alertsync/internal/models"
	"alertsync/internal/service"
	"alertsync/internal/transport"

	"github.com/rs/zerolog"
)

const defaultWorkers = 4

// Disposition - что сделано с доставкой.
type Disposition string

const (
	Acked Disposition = "acked"
	// Retried - сообщение не подтверждено и вернется в очередь (или уйдет в DLQ).
	Retried Disposition = "retried"
	// Escalated - постоянная ошибка трекера, оператор уведомлен, сообщение подтверждено.
	Escalated Disposition = "escalated"
)

// Config - параметры обработчика.
type Config struct {
	Workers int
	// Repo - репозиторий для уведомлений оператора.
	Repo string
}

// Consumer раздает доставки пулу воркеров. Каждая доставка завершается независимо.
type Consumer struct {
	receiver transport.Receiver
	pipeline *service.Pipeline
	notifier service.Notifier
	metrics  service.MetricsRecorder
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// New создает обработчик. notifier и recorder могут быть nil.
func New(receiver transport.Receiver, pipeline *service.Pipeline, notifier service.Notifier, recorder service.MetricsRecorder, cfg Config, logger zerolog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Consumer{
		receiver: receiver,
		pipeline: pipeline,
		notifier: notifier,
		metrics:  recorder,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "consumer").Logger(),
	}
}

// Run читает доставки до отмены ctx. После отмены дожидается воркеров;
// доставки, которые не успели взять в работу, остаются неподтвержденными.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Int("workers", c.cfg.Workers).Msg("Starting consumer")

	jobs := make(chan *transport.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				c.Handle(ctx, d)
			}
		}()
	}

	err := c.dispatch(ctx, jobs)
	close(jobs)
	wg.Wait()
	c.logger.Info().Msg("Consumer stopped")
	return err
}

func (c *Consumer) dispatch(ctx context.Context, jobs chan<- *transport.Delivery) error {
	for {
		deliveries, err := c.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("Failed to receive messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			select {
			case jobs <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Handle обрабатывает одну доставку:
//   - успех - Ack;
//   - постоянная ошибка трекера - уведомление оператору, затем Ack;
//   - ошибка валидации, неизвестный источник, временная ошибка - без Ack.
func (c *Consumer) Handle(ctx context.Context, d *transport.Delivery) Disposition {
	start := c.now()
	c.metrics.RecordReceived()

	log := c.logger.With().
		Str("event_id", d.Envelope.EventID).
		Str("source", d.Envelope.Source).
		Int("attempt", d.Envelope.DeliveryAttempt).
		Logger()

	alert, out, err := c.pipeline.Process(ctx, d.Body, d.Envelope)
	if err == nil {
		c.metrics.IncrementCustom("action_" + string(out.Action))
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.Error().Err(ackErr).Str("fingerprint", out.Fingerprint).Msg("Failed to ack message")
			c.metrics.RecordError()
			return Retried
		}
		c.metrics.RecordProcessed(c.now().Sub(start))
		return Acked
	}

	c.metrics.RecordError()
	if alert != nil {
		log = log.With().Str("fingerprint", alert.Fingerprint).Logger()
	}

	switch {
	case apperr.IsPermanent(err):
		c.metrics.IncrementCustom("permanent_failures")
		if c.escalate(ctx, d, alert, err, log) {
			if ackErr := d.Ack(ctx); ackErr != nil {
				log.Error().Err(ackErr).Msg("Failed to ack escalated message")
				return Retried
			}
			return Escalated
		}
	case apperr.IsValidation(err), errors.Is(err, apperr.ErrUnknownSource):
		c.metrics.IncrementCustom("validation_failures")
		ev := log.Warn().Err(err)
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			ev = ev.Str("field", verr.Field).Str("context", verr.Context)
		}
		ev.Msg("Payload rejected, leaving message for redelivery and DLQ")
	default:
		c.metrics.IncrementCustom("transient_failures")
		log.Warn().Err(err).Msg("Processing failed, message will be redelivered")
	}

	if nackErr := d.Nack(ctx); nackErr != nil {
		log.Error().Err(nackErr).Msg("Failed to return message to queue")
	}
	return Retried
}

// escalate уведомляет оператора. false - уведомить не удалось, сообщение
// нужно оставить в очереди, чтобы не потерять его молча.
func (c *Consumer) escalate(ctx context.Context, d *transport.Delivery, alert *models.NormalizedAlert, cause error, log zerolog.Logger) bool {
	notice := models.OperatorNotice{
		Source:     d.Envelope.Source,
		Repo:       c.cfg.Repo,
		EventID:    d.Envelope.EventID,
		Reason:     cause.Error(),
		OccurredAt: c.now().UTC(),
	}
	if alert != nil {
		notice.Fingerprint = alert.Fingerprint
		notice.Title = alert.Title
		notice.Source = alert.Source
	}
	log.Error().Err(cause).Msg("Issue tracker rejected the request, escalating to operator")

	if c.notifier == nil {
		return true
	}
	if err := c.notifier.NotifyOperator(ctx, notice); err != nil {
		log.Error().Err(err).Msg("Failed to notify operator")
		return false
	}
	return true
}
