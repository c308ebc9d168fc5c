// Package postgres - реализация хранилища состояния на database/sql и lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
	"alertsync/internal/service"
	"alertsync/internal/storage/migrations"

	"github.com/lib/pq"
)

var columns = []string{
	"fingerprint", "status", "alert_status", "source", "issue_repo", "issue_number",
	"title", "team", "priority", "content_hash", "last_envelope", "last_event_at",
	"last_updated_at", "lease_owner", "lease_expires_at", "version", "created_at",
}

// StateRepository хранит состояние алертов в PostgreSQL.
type StateRepository struct {
	conn  *sql.DB
	table string
}

var _ service.StateRepository = (*StateRepository)(nil)

// Open подключается к PostgreSQL по DSN и проверяет соединение.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// NewStateRepository создает репозиторий поверх открытого соединения.
func NewStateRepository(conn *sql.DB, table string) (*StateRepository, error) {
	if err := migrations.ValidateTableName(table); err != nil {
		return nil, err
	}
	return &StateRepository{conn: conn, table: pq.QuoteIdentifier(table)}, nil
}

// Close закрывает соединение с базой.
func (r *StateRepository) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *StateRepository) Get(ctx context.Context, fingerprint string) (*models.AlertState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE fingerprint = $1`, strings.Join(columns, ", "), r.table)
	st, err := scanState(r.conn.QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert state: %w", err)
	}
	return st, nil
}

// PutIfAbsent использует INSERT ... ON CONFLICT DO NOTHING RETURNING: пустой результат - строка уже есть.
func (r *StateRepository) PutIfAbsent(ctx context.Context, state *models.AlertState) (bool, error) {
	st := state.Clone()
	if st.Version == 0 {
		st.Version = 1
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (fingerprint) DO NOTHING RETURNING fingerprint`,
		r.table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	args, err := stateArgs(st)
	if err != nil {
		return false, err
	}
	var inserted string
	err = r.conn.QueryRowContext(ctx, query, args...).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert alert state: %w", err)
	}
	return true, nil
}

func (r *StateRepository) Update(ctx context.Context, fingerprint string, expectedVersion int64, mutate func(*models.AlertState)) (*models.AlertState, error) {
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

	args, err := stateArgs(next)
	if err != nil {
		return nil, err
	}
	// columns[0] - fingerprint, последний - created_at: оба не обновляются.
	sets := make([]string, 0, len(columns)-2)
	for i, col := range columns[1 : len(columns)-1] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
	}
	n := len(sets)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE fingerprint = $%d AND version = $%d`,
		r.table, strings.Join(sets, ", "), n+1, n+2)

	updateArgs := append(args[1:len(args)-1:len(args)-1], fingerprint, expectedVersion)
	res, err := r.conn.ExecContext(ctx, query, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return nil, apperr.ErrConflict
	}
	return next, nil
}

func (r *StateRepository) ListByStatus(ctx context.Context, statuses ...models.LifecycleStatus) ([]*models.AlertState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(columns, ", "), r.table)
	var args []interface{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(values))
	}
	query += ` ORDER BY last_updated_at DESC`

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert states: %w", err)
	}
	defer rows.Close()

	var states []*models.AlertState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*models.AlertState, error) {
	var (
		st           models.AlertState
		issueNumber  sql.NullInt64
		leaseExpires pq.NullTime
	)
	err := row.Scan(
		&st.Fingerprint, &st.Status, &st.AlertStatus, &st.Source, &st.IssueRepo, &issueNumber,
		&st.Title, &st.Team, &st.Priority, &st.ContentHash, &st.LastEnvelope, &st.LastEventAt,
		&st.LastUpdatedAt, &st.LeaseOwner, &leaseExpires, &st.Version, &st.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if issueNumber.Valid {
		n := int(issueNumber.Int64)
		st.IssueNumber = &n
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		st.LeaseExpiresAt = &t
	}
	return &st, nil
}

// stateArgs возвращает значения в порядке columns.
func stateArgs(st *models.AlertState) ([]interface{}, error) {
	envelope, err := st.LastEnvelope.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	var issueNumber sql.NullInt64
	if st.IssueNumber != nil {
		issueNumber = sql.NullInt64{Int64: int64(*st.IssueNumber), Valid: true}
	}
	var leaseExpires pq.NullTime
	if st.LeaseExpiresAt != nil {
		leaseExpires = pq.NullTime{Time: *st.LeaseExpiresAt, Valid: true}
	}
	return []interface{}{
		st.Fingerprint, string(st.Status), string(st.AlertStatus), st.Source, st.IssueRepo, issueNumber,
		st.Title, st.Team, string(st.Priority), st.ContentHash, envelope, st.LastEventAt,
		st.LastUpdatedAt, st.LeaseOwner, leaseExpires, st.Version, st.CreatedAt,
	}, nil
}
