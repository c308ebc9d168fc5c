package gorm

import (
	"context"
	"errors"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
	"alertsync/internal/service"
	"alertsync/internal/storage/migrations"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStateRepository - это реализация service.StateRepository с использованием GORM.
// Условная запись - UPDATE ... WHERE fingerprint = ? AND version = ?.
type GormStateRepository struct {
	db    *gorm.DB
	table string
}

// NewGormStateRepository создает новый экземпляр репозитория состояния.
func NewGormStateRepository(db *gorm.DB, table string) (*GormStateRepository, error) {
	if err := migrations.ValidateTableName(table); err != nil {
		return nil, err
	}
	return &GormStateRepository{db: db, table: table}, nil
}

var _ service.StateRepository = (*GormStateRepository)(nil)

func (r *GormStateRepository) Get(ctx context.Context, fingerprint string) (*models.AlertState, error) {
	var st models.AlertState
	err := r.db.WithContext(ctx).Table(r.table).Where("fingerprint = ?", fingerprint).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *GormStateRepository) PutIfAbsent(ctx context.Context, state *models.AlertState) (bool, error) {
	st := state.Clone()
	if st.Version == 0 {
		st.Version = 1
	}
	res := r.db.WithContext(ctx).Table(r.table).Clauses(clause.OnConflict{DoNothing: true}).Create(st)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormStateRepository) Update(ctx context.Context, fingerprint string, expectedVersion int64, mutate func(*models.AlertState)) (*models.AlertState, error) {
	current, err := r.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Version != expectedVersion {
		return nil, apperr.ErrConflict
	}

	next := current.Clone()
	mutate(next)
	next.Fingerprint = fingerprint
	next.CreatedAt = current.CreatedAt
	next.Version = expectedVersion + 1

	res := r.db.WithContext(ctx).Table(r.table).
		Where("fingerprint = ? AND version = ?", fingerprint, expectedVersion).
		Select("*").
		Omit("fingerprint", "created_at").
		Updates(next)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrConflict
	}
	return next, nil
}

func (r *GormStateRepository) ListByStatus(ctx context.Context, statuses ...models.LifecycleStatus) ([]*models.AlertState, error) {
	var states []*models.AlertState
	q := r.db.WithContext(ctx).Table(r.table)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("last_updated_at desc").Find(&states).Error
	return states, err
}
