// Package github - клиент GitHub REST API для синхронизации алертов с issues.
//
// Поддерживаются два режима аутентификации: GitHub App (JWT -> installation token)
// и статический токен. Ошибки API приводятся к apperr.TransientError / apperr.PermanentError.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	apiVersion     = "2022-11-28"
	defaultBaseURL = "https://api.github.com"
	// maxResponseBody ограничивает чтение ответа API.
	maxResponseBody = 4 << 20
	// defaultMaxRateLimitWait - дольше ждать внутри обработки сообщения нельзя, лучше вернуть
	// временную ошибку и дождаться повторной доставки.
	defaultMaxRateLimitWait = 30 * time.Second
)

// Config - параметры клиента. Должен быть задан ровно один режим аутентификации:
// AppID + PrivateKey + InstallationID или Token.
type Config struct {
	BaseURL string

	AppID          int64
	PrivateKey     []byte
	InstallationID int64

	Token string

	HTTPClient *http.Client
	Logger     zerolog.Logger

	// MaxRateLimitWait - максимальная пауза при исчерпании лимита запросов.
	MaxRateLimitWait time.Duration
	// Now подменяется в тестах.
	Now func() time.Time
}

// Client - типизированный клиент GitHub REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       authenticator
	rateLimit  *rateLimitTracker
	maxWait    time.Duration
	logger     zerolog.Logger
}

// NewClient создает клиент и проверяет конфигурацию аутентификации.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxWait := cfg.MaxRateLimitWait
	if maxWait <= 0 {
		maxWait = defaultMaxRateLimitWait
	}

	hasApp := cfg.AppID != 0 || len(cfg.PrivateKey) > 0 || cfg.InstallationID != 0
	hasToken := cfg.Token != ""
	if hasApp && hasToken {
		return nil, fmt.Errorf("github: cannot configure both App auth and token auth")
	}
	if !hasApp && !hasToken {
		return nil, fmt.Errorf("github: no authentication configured")
	}

	var auth authenticator
	if hasApp {
		if cfg.AppID == 0 || len(cfg.PrivateKey) == 0 || cfg.InstallationID == 0 {
			return nil, fmt.Errorf("github: app_id, private_key and installation_id are all required for App auth")
		}
		app, err := newAppAuth(cfg.AppID, cfg.InstallationID, cfg.PrivateKey, now)
		if err != nil {
			return nil, err
		}
		app.httpClient = httpClient
		app.baseURL = baseURL
		auth = app
	} else {
		auth = newTokenAuth(cfg.Token)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		auth:       auth,
		rateLimit:  newRateLimitTracker(now),
		maxWait:    maxWait,
		logger:     cfg.Logger.With().Str("component", "github").Logger(),
	}, nil
}

// do выполняет аутентифицированный запрос. При ответе вне 2xx возвращает *APIError.
// Один раз повторяет запрос после паузы, если GitHub сообщил об исчерпании лимита.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	return c.doWithRetry(ctx, method, path, body, result, false)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body any, result any, isRetry bool) error {
	if err := c.rateLimit.wait(ctx, c.maxWait); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	authHeader, err := c.auth.AuthorizationHeader(ctx)
	if err != nil {
		return fmt.Errorf("github: authentication: %w", err)
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.rateLimit.update(resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("github: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, data)
		if !isRetry && IsRateLimited(apiErr) {
			delay := c.rateLimit.retryAfter(resp.Header)
			if delay > 0 && delay <= c.maxWait {
				c.logger.Info().
					Dur("delay", delay).
					Str("method", method).
					Str("path", path).
					Msg("Rate limited, backing off")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
				return c.doWithRetry(ctx, method, path, body, result, true)
			}
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("github: decoding response: %w", err)
		}
	}
	return nil
}
