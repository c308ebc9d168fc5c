// Package storagetest содержит общий набор проверок для реализаций service.StateRepository.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
	"alertsync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run прогоняет контракт условных записей на репозитории, созданном newRepo.
// concurrent=false отключает проверку с горутинами (для СУБД с блокировкой всей базы).
func Run(t *testing.T, newRepo func(t *testing.T) service.StateRepository, concurrent bool) {
	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		st, err := repo.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("PutIfAbsent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		created, err := repo.PutIfAbsent(ctx, pendingState("fp-1"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = repo.PutIfAbsent(ctx, pendingState("fp-1"))
		require.NoError(t, err)
		assert.False(t, created, "second insert must not overwrite")

		st, err := repo.Get(ctx, "fp-1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, models.StatusPending, st.Status)
		assert.Equal(t, int64(1), st.Version)
		assert.Equal(t, "owner-a", st.LeaseOwner)
		assert.Equal(t, "m-1", st.LastEnvelope.EventID)
	})

	t.Run("UpdateBumpsVersion", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.PutIfAbsent(ctx, pendingState("fp-1"))
		require.NoError(t, err)

		updated, err := repo.Update(ctx, "fp-1", 1, func(s *models.AlertState) {
			n := 42
			s.Status = models.StatusOpen
			s.IssueNumber = &n
			s.IssueRepo = "acme/alerts"
			s.LeaseOwner = ""
			s.LeaseExpiresAt = nil
			s.LastEnvelope.DeliveryAttempt = 2
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		st, err := repo.Get(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, st.Status)
		require.NotNil(t, st.IssueNumber)
		assert.Equal(t, 42, *st.IssueNumber)
		assert.Equal(t, "acme/alerts", st.IssueRepo)
		assert.Empty(t, st.LeaseOwner)
		assert.Nil(t, st.LeaseExpiresAt)
		assert.Equal(t, 2, st.LastEnvelope.DeliveryAttempt)
		assert.Equal(t, int64(2), st.Version)
	})

	t.Run("StaleUpdateConflicts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.PutIfAbsent(ctx, pendingState("fp-1"))
		require.NoError(t, err)

		// Оба обработчика прочитали версию 1.
		a, err := repo.Get(ctx, "fp-1")
		require.NoError(t, err)
		b, err := repo.Get(ctx, "fp-1")
		require.NoError(t, err)

		_, err = repo.Update(ctx, "fp-1", a.Version, func(s *models.AlertState) { s.Status = models.StatusOpen })
		require.NoError(t, err)

		_, err = repo.Update(ctx, "fp-1", b.Version, func(s *models.AlertState) { s.Status = models.StatusClosed })
		assert.ErrorIs(t, err, apperr.ErrConflict)

		st, err := repo.Get(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, st.Status)
	})

	t.Run("UpdateMissingConflicts", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Update(context.Background(), "ghost", 1, func(s *models.AlertState) {})
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for _, fp := range []string{"fp-1", "fp-2", "fp-3"} {
			_, err := repo.PutIfAbsent(ctx, pendingState(fp))
			require.NoError(t, err)
		}
		_, err := repo.Update(ctx, "fp-2", 1, func(s *models.AlertState) { s.Status = models.StatusOpen })
		require.NoError(t, err)

		open, err := repo.ListByStatus(ctx, models.StatusOpen, models.StatusUpdated)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "fp-2", open[0].Fingerprint)

		all, err := repo.ListByStatus(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	if !concurrent {
		return
	}

	t.Run("ConcurrentStaleUpdatesOneWins", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.PutIfAbsent(ctx, pendingState("fp-1"))
		require.NoError(t, err)

		const writers = 10
		var wg sync.WaitGroup
		results := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = repo.Update(ctx, "fp-1", 1, func(s *models.AlertState) { s.Status = models.StatusOpen })
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, apperr.ErrConflict)
		}
		assert.Equal(t, 1, wins)
	})
}

func pendingState(fp string) *models.AlertState {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Minute)
	return &models.AlertState{
		Fingerprint:    fp,
		Status:         models.StatusPending,
		AlertStatus:    models.AlertFiring,
		Source:         "grafana",
		Title:          "HighCPU",
		Team:           "infra",
		Priority:       models.PriorityP1,
		LastEnvelope:   models.DeliveryEnvelope{Source: "grafana", EventID: "m-1", DeliveryAttempt: 1},
		LastUpdatedAt:  now,
		LeaseOwner:     "owner-a",
		LeaseExpiresAt: &expires,
		Version:        1,
		CreatedAt:      now,
	}
}
