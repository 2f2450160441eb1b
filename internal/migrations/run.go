// Package migrations применяет SQL-миграции схемы журнала подписок.
package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirty предыдущая миграция прервана, схему нужно исправить вручную.
var ErrDirty = errors.New("schema is dirty")

// Run применяет миграции из каталога path и возвращает версию схемы.
// Повторный запуск без новых миграций не считается ошибкой.
func Run(db *sql.DB, path string) (uint, error) {
	const op = "migrations.Run"

	if path == "" {
		return 0, fmt.Errorf("%s: empty migrations path", op)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "pgx_v5", driver)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	err = m.Up()
	var dirty migrate.ErrDirty
	switch {
	case errors.As(err, &dirty):
		return uint(dirty.Version), fmt.Errorf("%s: version %d: %w", op, dirty.Version, ErrDirty)
	case err != nil && !errors.Is(err, migrate.ErrNoChange):
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	version, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return version, nil
}
