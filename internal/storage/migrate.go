package storage

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration found under sourceURL (e.g. "file://migrations").
func Migrate(dbURL, sourceURL string, logger *slog.Logger) error {
	logger.Info("running database migration", "source", sourceURL)

	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database migration: no change needed")
			return nil
		}
		logger.Error("database migration failed", "error", err)
		return err
	}
	logger.Info("database migration applied")
	return nil
}
