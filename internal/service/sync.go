package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultLeaseTTL        = 2 * time.Minute
	defaultConflictRetries = 5

	leaseInitialBackoff = 50 * time.Millisecond
	leaseMaxBackoff     = 2 * time.Second
)

// errInFlight - строку удерживает другой обработчик, который сейчас обращается к трекеру.
var errInFlight = errors.New("another worker holds the lease for this fingerprint")

// leaseBusyError - чужая аренда действует до expiresAt.
type leaseBusyError struct {
	expiresAt time.Time
}

func (e *leaseBusyError) Error() string { return errInFlight.Error() }
func (e *leaseBusyError) Unwrap() error { return errInFlight }

// SyncConfig - параметры движка синхронизации.
type SyncConfig struct {
	// Repo - репозиторий owner/name, в котором заводятся issue.
	Repo string
	// IssuesEnabled=false включает dry-run: решения только логируются.
	IssuesEnabled bool
	// LeaseTTL - на сколько строка резервируется за обработчиком на время вызова трекера.
	LeaseTTL time.Duration
	// ConflictRetries - сколько раз перечитывать строку после проигранной условной записи.
	ConflictRetries int
	// LeaseWait - сколько ждать освобождения чужой аренды, прежде чем вернуть
	// сообщение в очередь. По умолчанию равно LeaseTTL.
	LeaseWait time.Duration
}

// Outcome - результат обработки одного алерта.
type Outcome struct {
	Action      Action
	Fingerprint string
	IssueNumber int
	DryRun      bool
}

// SyncEngine сопоставляет нормализованный алерт с состоянием и issue.
// Единственная точка координации между обработчиками - условные записи в StateRepository.
type SyncEngine struct {
	repo    StateRepository
	tracker IssueTracker
	cfg     SyncConfig
	id      string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSyncEngine создает новый экземпляр SyncEngine.
func NewSyncEngine(repo StateRepository, tracker IssueTracker, cfg SyncConfig, logger zerolog.Logger) *SyncEngine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = cfg.LeaseTTL
	}
	id := uuid.NewString()
	return &SyncEngine{
		repo:    repo,
		tracker: tracker,
		cfg:     cfg,
		id:      id,
		now:     time.Now,
		logger:  logger.With().Str("component", "sync").Str("engine", id).Logger(),
	}
}

// WithClock подменяет источник времени (для тестов).
func (e *SyncEngine) WithClock(now func() time.Time) *SyncEngine {
	e.now = now
	return e
}

// Sync применяет алерт к состоянию. Ошибка означает, что сообщение нужно доставить повторно
// (или, для apperr.PermanentError, передать оператору).
//
// Если строку арендовал другой обработчик, Sync ждет ее освобождения в процессе, но не дольше
// LeaseWait и не дольше срока чужой аренды.
func (e *SyncEngine) Sync(ctx context.Context, alert *models.NormalizedAlert, envelope models.DeliveryEnvelope) (Outcome, error) {
	// Аренда принадлежит вызову Sync, а не процессу: воркеры одного процесса конкурируют так же, как разные инстансы.
	owner := e.id + "/" + uuid.NewString()

	var (
		conflicts int
		waits     int
		deadline  time.Time
	)
	for {
		out, err := e.syncOnce(ctx, alert, envelope, owner)

		var busy *leaseBusyError
		switch {
		case errors.As(err, &busy):
			if deadline.IsZero() {
				deadline = time.Now().Add(min(e.cfg.LeaseWait, busy.expiresAt.Sub(e.now())))
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return out, apperr.Transient("acquire lease", errInFlight)
			}
			backoff := min(leaseBackoff(waits), remaining)
			waits++
			e.logger.Debug().Str("fingerprint", alert.Fingerprint).Dur("backoff", backoff).Msg("Fingerprint leased by another worker, waiting")
			select {
			case <-ctx.Done():
				return out, apperr.Transient("acquire lease", ctx.Err())
			case <-time.After(backoff):
			}

		case errors.Is(err, apperr.ErrConflict):
			conflicts++
			if conflicts > e.cfg.ConflictRetries {
				return Outcome{Fingerprint: alert.Fingerprint}, apperr.Transient("sync state",
					fmt.Errorf("%w after %d attempts", apperr.ErrConflict, conflicts))
			}
			e.logger.Debug().Str("fingerprint", alert.Fingerprint).Int("attempt", conflicts).Msg("State changed concurrently, re-reading")

		default:
			return out, err
		}
	}
}

// leaseBackoff - экспоненциальная задержка с разбросом ±25%.
func leaseBackoff(attempt int) time.Duration {
	backoff := leaseInitialBackoff << min(attempt, 6)
	if backoff > leaseMaxBackoff {
		backoff = leaseMaxBackoff
	}
	jitter := time.Duration(float64(backoff) * 0.25 * (rand.Float64()*2 - 1))
	return backoff + jitter
}

func (e *SyncEngine) syncOnce(ctx context.Context, alert *models.NormalizedAlert, envelope models.DeliveryEnvelope, owner string) (Outcome, error) {
	out := Outcome{Fingerprint: alert.Fingerprint}

	state, err := e.repo.Get(ctx, alert.Fingerprint)
	if err != nil {
		return out, apperr.Transient("read state", err)
	}

	hash := ContentHash(alert)
	action := Decide(state, alert, hash)
	out.Action = action
	if state != nil && state.HasIssue() {
		out.IssueNumber = *state.IssueNumber
	}

	log := e.logger.With().
		Str("fingerprint", alert.Fingerprint).
		Str("action", string(action)).
		Str("alert_status", string(alert.Status)).
		Str("event_id", envelope.EventID).
		Logger()

	if !e.cfg.IssuesEnabled {
		out.DryRun = true
		log.Info().Msg("Issue sync disabled, decision not applied")
		return out, nil
	}

	switch action {
	case ActionIgnore:
		log.Info().Msg("Resolved alert for unknown fingerprint, nothing to do")
		return out, nil
	case ActionSkipStale:
		log.Info().Time("event_time", alert.EventTime()).Time("last_event_at", state.LastEventAt).Msg("Stale event skipped")
		return out, nil
	}

	// Решение принято по строке, которую держатель аренды вот-вот перезапишет.
	if state != nil && state.LeasedByOther(owner, e.now()) {
		return out, &leaseBusyError{expiresAt: *state.LeaseExpiresAt}
	}

	if action == ActionNoop {
		_, err := e.repo.Update(ctx, alert.Fingerprint, state.Version, func(s *models.AlertState) {
			s.LastEnvelope = envelope
			s.LastUpdatedAt = e.now().UTC()
			if t := alert.EventTime(); t.After(s.LastEventAt) {
				s.LastEventAt = t
			}
		})
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			return out, apperr.Transient("record noop", err)
		}
		if err == nil {
			log.Debug().Msg("Issue up to date")
		}
		return out, err
	}

	fresh := false
	if state == nil {
		state = e.newPendingState(alert, envelope, owner)
		created, err := e.repo.PutIfAbsent(ctx, state)
		if err != nil {
			return out, apperr.Transient("create state", err)
		}
		if !created {
			return out, apperr.ErrConflict
		}
		fresh = true
	} else {
		state, err = e.repo.Update(ctx, alert.Fingerprint, state.Version, func(s *models.AlertState) {
			expires := e.now().Add(e.cfg.LeaseTTL).UTC()
			s.LeaseOwner = owner
			s.LeaseExpiresAt = &expires
		})
		if err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return out, err
			}
			return out, apperr.Transient("acquire lease", err)
		}
	}

	repo := state.IssueRepo
	if repo == "" {
		repo = e.cfg.Repo
	}

	number, err := e.apply(ctx, action, state, alert, repo, fresh)
	if err != nil {
		e.releaseLease(ctx, state)
		log.Warn().Err(err).Msg("Issue tracker call failed, state left unchanged")
		if apperr.IsPermanent(err) || apperr.IsTransient(err) {
			return out, err
		}
		return out, apperr.Transient("issue tracker", err)
	}

	committed, err := e.repo.Update(ctx, alert.Fingerprint, state.Version, func(s *models.AlertState) {
		e.commit(s, action, alert, envelope, hash, repo, number)
	})
	if err != nil {
		// Issue уже изменен; повторная доставка увидит строку с истекшей арендой и догонит состояние.
		return out, apperr.Transient("commit state", err)
	}
	if committed.HasIssue() {
		out.IssueNumber = *committed.IssueNumber
	}
	log.Info().Int("issue", out.IssueNumber).Str("repo", repo).Str("status", string(committed.Status)).Msg("Alert synchronized")
	return out, nil
}

// apply выполняет вызов трекера для действия и возвращает номер issue (0 - issue нет).
func (e *SyncEngine) apply(ctx context.Context, action Action, state *models.AlertState, alert *models.NormalizedAlert, repo string, fresh bool) (int, error) {
	number := 0
	if state.HasIssue() {
		number = *state.IssueNumber
	}
	content := RenderIssue(alert)

	// Строка в pending, созданная не нами: предыдущий обработчик мог успеть завести issue.
	if number == 0 && !fresh && state.Status == models.StatusPending {
		found, ok, err := e.tracker.FindIssueByMarker(ctx, repo, AlertLabel, FingerprintMarker(alert.Fingerprint))
		if err != nil {
			return 0, err
		}
		if ok {
			e.logger.Info().Str("fingerprint", alert.Fingerprint).Int("issue", found).Msg("Recovered issue created by an interrupted worker")
			number = found
		}
	}

	switch action {
	case ActionCreate:
		if number != 0 {
			return number, e.tracker.UpdateIssue(ctx, repo, number, content)
		}
		return e.tracker.CreateIssue(ctx, repo, content)
	case ActionUpdate:
		return number, e.tracker.UpdateIssue(ctx, repo, number, content)
	case ActionReopen:
		return number, e.tracker.ReopenIssue(ctx, repo, number, content, recurrenceComment(alert))
	case ActionClose:
		if number == 0 {
			return 0, nil
		}
		return number, e.tracker.CloseIssue(ctx, repo, number, resolutionComment(alert))
	}
	return number, fmt.Errorf("unexpected action %q", action)
}

// commit переносит результат успешного вызова трекера в строку и снимает аренду.
func (e *SyncEngine) commit(s *models.AlertState, action Action, alert *models.NormalizedAlert, envelope models.DeliveryEnvelope, hash, repo string, number int) {
	switch action {
	case ActionCreate, ActionReopen:
		s.Status = models.StatusOpen
	case ActionUpdate:
		s.Status = models.StatusUpdated
	case ActionClose:
		s.Status = models.StatusClosed
	}
	if s.IssueNumber == nil && number > 0 {
		n := number
		s.IssueNumber = &n
	}
	if s.IssueRepo == "" && number > 0 {
		s.IssueRepo = repo
	}
	s.AlertStatus = alert.Status
	s.Source = alert.Source
	s.Title = alert.Title
	s.Team = alert.Team
	s.Priority = alert.Priority
	if action != ActionClose {
		s.ContentHash = hash
	}
	s.LastEnvelope = envelope
	if t := alert.EventTime(); t.After(s.LastEventAt) {
		s.LastEventAt = t
	}
	s.LastUpdatedAt = e.now().UTC()
	s.LeaseOwner = ""
	s.LeaseExpiresAt = nil
}

func (e *SyncEngine) newPendingState(alert *models.NormalizedAlert, envelope models.DeliveryEnvelope, owner string) *models.AlertState {
	now := e.now().UTC()
	expires := now.Add(e.cfg.LeaseTTL)
	return &models.AlertState{
		Fingerprint:    alert.Fingerprint,
		Status:         models.StatusPending,
		AlertStatus:    alert.Status,
		Source:         alert.Source,
		Title:          alert.Title,
		Team:           alert.Team,
		Priority:       alert.Priority,
		LastEnvelope:   envelope,
		LastUpdatedAt:  now,
		LeaseOwner:     owner,
		LeaseExpiresAt: &expires,
		Version:        1,
		CreatedAt:      now,
	}
}

// releaseLease снимает аренду после неудачного вызова трекера, чтобы повторная доставка
// не ждала истечения LeaseTTL. Поля алерта не меняются.
func (e *SyncEngine) releaseLease(ctx context.Context, state *models.AlertState) {
	_, err := e.repo.Update(ctx, state.Fingerprint, state.Version, func(s *models.AlertState) {
		s.LeaseOwner = ""
		s.LeaseExpiresAt = nil
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("fingerprint", state.Fingerprint).Msg("Lease not released, it will expire")
	}
}
