// Package server - HTTP-шлюз вебхуков. Проверяет токен вендора и публикует
// тело запроса в fan-out топик без разбора.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/transport"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// TokenHeader - заголовок с общим секретом вендора.
const TokenHeader = "X-Vendor-Token"

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
)

var sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// TokenSource отдает ожидаемый токен вебхука (secrets.Provider через адаптер).
type TokenSource interface {
	WebhookToken(ctx context.Context) (string, error)
}

// TokenFunc позволяет использовать функцию как TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) WebhookToken(ctx context.Context) (string, error) { return f(ctx) }

// Config - параметры шлюза.
type Config struct {
	Addr string
	// DefaultSource - тег источника для POST /webhook. Пустой тег оставляет
	// определение источника потребителю.
	DefaultSource   string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Server - шлюз вебхуков.
type Server struct {
	publisher transport.Publisher
	tokens    TokenSource
	cfg       Config
	logger    zerolog.Logger
}

// New создает новый экземпляр Server.
func New(publisher transport.Publisher, tokens TokenSource, cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		publisher: publisher,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// Run слушает cfg.Addr до отмены ctx, затем корректно завершает активные запросы.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting webhook gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down webhook gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return nil
}

// Router создает роутер шлюза.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	r.Group(func(r chi.Router) {
		r.Use(s.tokenMiddleware)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/webhook/{source}", s.handleWebhook)
	})
	return r
}

// --- Middlewares ---

func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		expected, err := s.tokens.WebhookToken(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to load webhook token")
			writeText(w, http.StatusInternalServerError, "error")
			return
		}
		if err := checkToken(r.Header.Get(TokenHeader), expected); err != nil {
			log.Warn().Err(err).Msg("Webhook rejected")
			writeText(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkToken сравнивает SHA-256 дайджесты токенов за постоянное время.
// Пустой ожидаемый токен не пропускает никого.
func checkToken(got, expected string) error {
	if got == "" || expected == "" {
		return apperr.ErrUnauthorized
	}
	gotSum := sha256.Sum256([]byte(got))
	expectedSum := sha256.Sum256([]byte(expected))
	if subtle.ConstantTimeCompare(gotSum[:], expectedSum[:]) != 1 {
		return apperr.ErrUnauthorized
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	source := chi.URLParam(r, "source")
	if source == "" {
		source = s.cfg.DefaultSource
	}
	if source != "" && !sourcePattern.MatchString(source) {
		writeText(w, http.StatusBadRequest, "invalid source")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook body")
		writeText(w, http.StatusInternalServerError, "error")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeText(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	attrs := map[string]string{}
	if source != "" {
		attrs[transport.AttrSource] = source
	}
	if err := s.publisher.Publish(r.Context(), body, attrs); err != nil {
		log.Error().Err(err).Str("source", source).Msg("Failed to publish webhook")
		writeText(w, http.StatusInternalServerError, "error")
		return
	}
	log.Debug().Str("source", source).Int("bytes", len(body)).Msg("Webhook published")
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
