package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"alertsync/internal/apperr"
)

// APIError - ответ GitHub API со статусом вне 2xx.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []FieldError
}

// FieldError - ошибка валидации конкретного поля (ответы 422).
type FieldError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "github: HTTP %d: %s", e.StatusCode, e.Message)
	for _, fe := range e.Errors {
		detail := fe.Message
		if detail == "" {
			detail = fe.Code
		}
		fmt.Fprintf(&b, "; %s.%s: %s", fe.Resource, fe.Field, detail)
	}
	return b.String()
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wire struct {
		Message string       `json:"message"`
		Errors  []FieldError `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
		apiErr.Errors = wire.Errors
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func statusOf(err error) (int, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	return apiErr.StatusCode, true
}

// IsNotFound сообщает, вернул ли GitHub 404.
func IsNotFound(err error) bool {
	status, ok := statusOf(err)
	return ok && status == http.StatusNotFound
}

// IsRateLimited сообщает, упирается ли запрос в лимиты GitHub.
// Основной лимит отдается как 403, вторичный - как 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests ||
		(apiErr.StatusCode == http.StatusForbidden && isRateLimitMessage(apiErr.Message))
}

// IsValidationFailed сообщает, отверг ли GitHub поля запроса (422).
func IsValidationFailed(err error) bool {
	status, ok := statusOf(err)
	return ok && status == http.StatusUnprocessableEntity
}

func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

// classify приводит ошибку клиента к таксономии apperr.
// Лимиты, аутентификация, 5xx и сетевые сбои - временные; прочие 4xx - постоянные.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// Сеть, таймауты, отмена контекста.
		return apperr.Transient(op, err)
	}
	switch {
	case IsRateLimited(apiErr):
		return apperr.Transient(op, err)
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return apperr.Transient(op, err)
	case apiErr.StatusCode >= 500:
		return apperr.Transient(op, err)
	default:
		return apperr.Permanent(op, err)
	}
}
