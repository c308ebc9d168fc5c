// Package secrets загружает секреты (учетные данные GitHub App, общий токен вебхука)
// из внешнего хранилища и кеширует их на время жизни процесса.
//
// Кеш не имеет TTL: ротированный секрет подхватывается только после Invalidate
// или перезапуска процесса.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alertsync/internal/apperr"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound - секрета с таким идентификатором нет в хранилище.
var ErrNotFound = errors.New("secret not found")

// Backend - хранилище секретов (AWS Secrets Manager, файлы age, окружение).
type Backend interface {
	Fetch(ctx context.Context, secretID string) ([]byte, error)
}

// Provider кеширует значения секретов. Параллельные промахи по одному
// идентификатору сводятся к одному запросу в Backend.
type Provider struct {
	backend Backend
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string][]byte
	group singleflight.Group
}

// NewProvider создает провайдер поверх backend.
func NewProvider(backend Backend, logger zerolog.Logger) *Provider {
	return &Provider{
		backend: backend,
		logger:  logger.With().Str("component", "secrets").Logger(),
		cache:   make(map[string][]byte),
	}
}

// Get возвращает сырое значение секрета. Ошибка хранилища оборачивается в
// apperr.TransientError, отсутствующий секрет - в apperr.PermanentError.
func (p *Provider) Get(ctx context.Context, secretID string) ([]byte, error) {
	p.mu.RLock()
	if v, ok := p.cache[secretID]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(secretID, func() (any, error) {
		p.mu.RLock()
		if v, ok := p.cache[secretID]; ok {
			p.mu.RUnlock()
			return v, nil
		}
		p.mu.RUnlock()

		value, err := p.backend.Fetch(ctx, secretID)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.cache[secretID] = value
		p.mu.Unlock()
		p.logger.Debug().Str("secret_id", secretID).Msg("Secret loaded")
		return value, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Permanent("get secret "+secretID, err)
		}
		return nil, apperr.Transient("get secret "+secretID, err)
	}
	return v.([]byte), nil
}

// Invalidate удаляет секрет из кеша; следующий Get обратится к хранилищу.
func (p *Provider) Invalidate(secretID string) {
	p.mu.Lock()
	delete(p.cache, secretID)
	p.mu.Unlock()
}

// StaticBackend отдает секреты из памяти. Для тестов и локального запуска.
type StaticBackend map[string][]byte

func (b StaticBackend) Fetch(_ context.Context, secretID string) ([]byte, error) {
	v, ok := b[secretID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", secretID, ErrNotFound)
	}
	return v, nil
}
