package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS chat_migrations (
	id         SERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	checksum   TEXT NOT NULL
);`

type migration struct {
	Name     string
	Up       string
	Down     string
	Checksum string
}

// loadMigrations reads the embedded migrations sorted by name.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	up := make(map[string]string)
	down := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up[strings.TrimSuffix(name, ".up.sql")] = string(data)
		case strings.HasSuffix(name, ".down.sql"):
			down[strings.TrimSuffix(name, ".down.sql")] = string(data)
		}
	}

	migrations := make([]migration, 0, len(up))
	for key, sql := range up {
		migrations = append(migrations, migration{
			Name:     key,
			Up:       sql,
			Down:     down[key],
			Checksum: fmt.Sprintf("%x", sha256.Sum256([]byte(sql))),
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})
	return migrations, nil
}

// Migrate applies all pending migrations in order, one transaction each.
// An applied migration whose checksum changed is an error.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied := make(map[string]string)
	rows, err := s.db.Query(ctx, `SELECT name, checksum FROM chat_migrations ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	for _, m := range migrations {
		if checksum, ok := applied[m.Name]; ok {
			if checksum != m.Checksum {
				return fmt.Errorf("migration %s checksum mismatch (recorded %s, embedded %s)", m.Name, checksum, m.Checksum)
			}
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) apply(ctx context.Context, m migration) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, m.Up); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("run migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_migrations (name, checksum) VALUES ($1, $2)`, m.Name, m.Checksum,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}
