// Package transformer приводит payload конкретного источника к models.NormalizedAlert.
// Реестр трансформеров собирается один раз при старте и далее только читается.
package transformer

import (
	"fmt"
	"sort"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
)

// Transformer преобразует сырой payload источника в нормализованный алерт.
// Обязательные поля не подставляются по умолчанию: их отсутствие - *apperr.ValidationError.
type Transformer interface {
	Source() string
	Transform(raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, error)
}

// Detector реализуют трансформеры, способные узнать свой формат по содержимому.
// Используется, когда транспорт не передал атрибут source.
type Detector interface {
	Detect(raw []byte) bool
}

// Registry - отображение тега источника в трансформер.
type Registry struct {
	transformers map[string]Transformer
	order        []string
}

// NewRegistry создает реестр. Повторная регистрация одного тега - ошибка конфигурации.
func NewRegistry(transformers ...Transformer) (*Registry, error) {
	r := &Registry{transformers: make(map[string]Transformer, len(transformers))}
	for _, t := range transformers {
		source := t.Source()
		if source == "" {
			return nil, fmt.Errorf("transformer %T has empty source tag", t)
		}
		if _, exists := r.transformers[source]; exists {
			return nil, fmt.Errorf("duplicate transformer for source %q", source)
		}
		r.transformers[source] = t
		r.order = append(r.order, source)
	}
	return r, nil
}

// Default возвращает реестр со всеми встроенными трансформерами.
func Default() *Registry {
	r, err := NewRegistry(NewGrafana(), NewCloudWatch())
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup возвращает трансформер по тегу источника.
func (r *Registry) Lookup(source string) (Transformer, error) {
	t, ok := r.transformers[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownSource, source)
	}
	return t, nil
}

// Sources возвращает отсортированный список зарегистрированных тегов.
func (r *Registry) Sources() []string {
	sources := make([]string, 0, len(r.transformers))
	for s := range r.transformers {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// Detect определяет источник по содержимому payload в порядке регистрации.
func (r *Registry) Detect(raw []byte) (string, bool) {
	for _, source := range r.order {
		if d, ok := r.transformers[source].(Detector); ok && d.Detect(raw) {
			return source, true
		}
	}
	return "", false
}

// Transform выбирает трансформер по envelope.Source (или по содержимому, если тег пуст)
// и выполняет преобразование.
func (r *Registry) Transform(raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, error) {
	source := envelope.Source
	if source == "" {
		detected, ok := r.Detect(raw)
		if !ok {
			return nil, fmt.Errorf("%w: payload matches no registered format", apperr.ErrUnknownSource)
		}
		source = detected
		envelope.Source = detected
	}
	t, err := r.Lookup(source)
	if err != nil {
		return nil, err
	}
	alert, err := t.Transform(raw, envelope)
	if err != nil {
		return nil, err
	}
	alert.Source = source
	return alert, nil
}
