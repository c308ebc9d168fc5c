package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimitTracker запоминает состояние лимита из заголовков X-RateLimit-*
// и блокирует запросы до сброса окна, если лимит исчерпан.
type rateLimitTracker struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
	now       func() time.Time
}

func newRateLimitTracker(now func() time.Time) *rateLimitTracker {
	return &rateLimitTracker{now: now}
}

func (t *rateLimitTracker) update(header http.Header) {
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	t.reset = time.Unix(resetUnix, 0)
	t.known = true
}

// wait ждет сброса окна, но не дольше maxWait. Если ждать нужно дольше,
// возвращает ошибку: сообщение вернется в очередь и будет обработано позже.
func (t *rateLimitTracker) wait(ctx context.Context, maxWait time.Duration) error {
	t.mu.Lock()
	if !t.known || t.remaining > 0 {
		t.mu.Unlock()
		return nil
	}
	delay := t.reset.Sub(t.now())
	t.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	if delay > maxWait {
		return &APIError{
			StatusCode: http.StatusTooManyRequests,
			Message:    fmt.Sprintf("rate limit exhausted, resets in %s", delay.Round(time.Second)),
		}
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter вычисляет паузу после ответа с превышением лимита:
// сначала Retry-After (вторичные лимиты), затем X-RateLimit-Reset.
func (t *rateLimitTracker) retryAfter(header http.Header) time.Duration {
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if d := time.Unix(resetUnix, 0).Sub(t.now()); d > 0 {
			return d
		}
	}
	return 0
}
