// Package migrations применяет схему таблицы состояния алертов через golang-migrate.
// Имя таблицы настраивается, поэтому SQL хранится шаблонами и рендерится во временный каталог.
package migrations

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
)

// Dialect - поддерживаемые СУБД.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

//go:embed sql
var templates embed.FS

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName проверяет, что имя таблицы можно подставить в SQL без экранирования.
func ValidateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// Up применяет все миграции для таблицы table. Повторный запуск ничего не меняет.
func Up(db *sql.DB, dialect Dialect, table string, logger zerolog.Logger) error {
	m, cleanup, err := newMigrate(db, dialect, table)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info().Str("table", table).Str("dialect", string(dialect)).Uint("version", version).Bool("dirty", dirty).Msg("Database migrations applied")
	return nil
}

// Down откатывает все миграции таблицы table.
func Down(db *sql.DB, dialect Dialect, table string) error {
	m, cleanup, err := newMigrate(db, dialect, table)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB, dialect Dialect, table string) (*migrate.Migrate, func(), error) {
	if err := ValidateTableName(table); err != nil {
		return nil, nil, err
	}

	dir, err := Render(dialect, table)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	var driver database.Driver
	migrationsTable := table + "_schema_migrations"
	switch dialect {
	case DialectSQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(dir), string(dialect), driver)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, cleanup, nil
}

// Render записывает SQL-файлы диалекта с подставленным именем таблицы во временный каталог.
func Render(dialect Dialect, table string) (string, error) {
	if err := ValidateTableName(table); err != nil {
		return "", err
	}
	root := path.Join("sql", string(dialect))
	entries, err := fs.ReadDir(templates, root)
	if err != nil {
		return "", fmt.Errorf("unsupported dialect %q: %w", dialect, err)
	}

	dir, err := os.MkdirTemp("", "alertsync-migrations-")
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		raw, err := fs.ReadFile(templates, path.Join(root, entry.Name()))
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		tmpl, err := template.New(entry.Name()).Parse(string(raw))
		if err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, struct{ Table string }{table}); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("render %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, entry.Name()), buf.Bytes(), 0o600); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}
