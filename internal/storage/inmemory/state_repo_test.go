package inmemory

import (
	"testing"

	"alertsync/internal/service"
	"alertsync/internal/storage/storagetest"
)

func TestStateRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) service.StateRepository {
		return NewStateRepository()
	}, true)
}
