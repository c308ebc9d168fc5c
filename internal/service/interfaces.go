package service

import (
	"context"
	"time"

	"alertsync/internal/models"
)

// StateRepository определяет интерфейс хранилища состояния алертов.
// Все изменения проходят только через условные записи PutIfAbsent и Update.
type StateRepository interface {
	// Get возвращает состояние по fingerprint или nil, nil если строки нет.
	Get(ctx context.Context, fingerprint string) (*models.AlertState, error)
	// PutIfAbsent атомарно создает строку. false - строка уже существует.
	PutIfAbsent(ctx context.Context, state *models.AlertState) (bool, error)
	// Update применяет mutate к строке, только если ее версия равна expectedVersion.
	// Иначе возвращает apperr.ErrConflict. Версия увеличивается на единицу.
	Update(ctx context.Context, fingerprint string, expectedVersion int64, mutate func(*models.AlertState)) (*models.AlertState, error)
	// ListByStatus возвращает строки в указанных статусах, новые первыми.
	ListByStatus(ctx context.Context, statuses ...models.LifecycleStatus) ([]*models.AlertState, error)
}

// IssueTracker определяет интерфейс трекера задач (GitHub Issues).
// Реализация классифицирует ошибки как apperr.TransientError или apperr.PermanentError.
type IssueTracker interface {
	CreateIssue(ctx context.Context, repo string, content models.IssueContent) (int, error)
	UpdateIssue(ctx context.Context, repo string, number int, content models.IssueContent) error
	CloseIssue(ctx context.Context, repo string, number int, comment string) error
	ReopenIssue(ctx context.Context, repo string, number int, content models.IssueContent, comment string) error
	// FindIssueByMarker ищет открытый issue с меткой label, тело которого содержит marker.
	FindIssueByMarker(ctx context.Context, repo, label, marker string) (int, bool, error)
}

// Notifier доставляет сообщения в канал оператора.
type Notifier interface {
	NotifyOperator(ctx context.Context, notice models.OperatorNotice) error
}

// MetricsRecorder - счетчики конвейера.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(latency time.Duration)
	RecordError()
	IncrementCustom(name string)
}

// AlertTransformer приводит сырой payload к нормализованному алерту (transformer.Registry).
type AlertTransformer interface {
	Transform(raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, error)
}
