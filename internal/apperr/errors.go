// Package apperr описывает таксономию ошибок конвейера алертов.
// Потребитель очереди решает по ней, подтверждать сообщение или оставить его на повторную доставку.
package apperr

import (
	"errors"
	"fmt"
)

// ErrUnauthorized - неверный или отсутствующий токен на входе. Повторять бессмысленно.
var ErrUnauthorized = errors.New("unauthorized")

// ErrConflict - условная запись в хранилище состояния проиграла гонку.
// Обрабатывается внутри конвейера перечитыванием строки.
var ErrConflict = errors.New("state changed concurrently")

// ErrUnknownSource - для тега источника нет зарегистрированного трансформера.
var ErrUnknownSource = errors.New("unknown alert source")

// ValidationError - в payload источника отсутствует или испорчено обязательное поле.
type ValidationError struct {
	Source string
	Field  string
	Reason string
	// Context - отладочный контекст для логов (event id, название алерта и т.д.).
	// В текст ошибки не входит.
	Context string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
	}
	return "missing field: " + e.Field
}

// Missing создает ValidationError для отсутствующего поля.
func Missing(source, field string) *ValidationError {
	return &ValidationError{Source: source, Field: field}
}

// Invalid создает ValidationError для поля с некорректным значением.
func Invalid(source, field, reason string) *ValidationError {
	return &ValidationError{Source: source, Field: field, Reason: reason}
}

// TransientError - временная недоступность внешней системы (хранилище секретов,
// хранилище состояния, API трекера). Сообщение будет доставлено повторно.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError - внешняя система отвергла запрос как заведомо некорректный.
// Такое сообщение уходит в канал оператора и подтверждается.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient оборачивает err как временную ошибку.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Permanent оборачивает err как постоянную ошибку.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsValidation сообщает, является ли err ошибкой валидации payload.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPermanent сообщает, является ли err постоянной ошибкой внешней системы.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTransient сообщает, можно ли ожидать успеха при повторной доставке.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
