package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/google/uuid"
)

// Open returns the PostgreSQL store when databaseURL is set and the SQLite
// store at dbPath otherwise.
func Open(ctx context.Context, databaseURL, dbPath string) (Repository, error) {
	if databaseURL != "" {
		slog.Info("Using PostgreSQL history store")
		return NewPostgres(ctx, databaseURL)
	}
	slog.Info("Using SQLite history store", "path", dbPath)
	return NewSQLite(dbPath)
}

func prepareErrorLog(entry *domain.ErrorLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
}
