package service

import (
	"context"
	"fmt"

	"alertsync/internal/models"

	"github.com/rs/zerolog"
)

// Pipeline связывает нормализацию и синхронизацию одного сообщения.
// Все состояние вызова передается через аргументы, поэтому Process безопасен для конкурентного вызова.
type Pipeline struct {
	transformer AlertTransformer
	engine      *SyncEngine
	logger      zerolog.Logger
}

// NewPipeline создает новый экземпляр Pipeline.
func NewPipeline(transformer AlertTransformer, engine *SyncEngine, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		transformer: transformer,
		engine:      engine,
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// Process нормализует payload и применяет его к состоянию. Возвращенный алерт
// может быть nil, если ошибка произошла на этапе нормализации.
func (p *Pipeline) Process(ctx context.Context, raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, Outcome, error) {
	alert, err := p.transformer.Transform(raw, envelope)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("transform: %w", err)
	}
	if alert.Source == "" {
		alert.Source = envelope.Source
	}
	out, err := p.engine.Sync(ctx, alert, envelope)
	if err != nil {
		return alert, out, fmt.Errorf("sync %s: %w", alert.Fingerprint, err)
	}
	return alert, out, nil
}
