package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migrationFile struct {
	version string
	name    string
	path    string
}

// migrationFiles lists the migrations of one direction ("up" or "down") ordered by version.
func migrationFiles(dir, direction string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	files := make([]migrationFile, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		files = append(files, migrationFile{
			version: match[1],
			name:    entry.Name(),
			path:    filepath.Join(dir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ApplyMigrations runs every pending *.up.sql file in its own transaction and returns how many ran.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger *zap.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	files, err := migrationFiles(migrationsDir, "up")
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, file := range files {
		migrated, err := isMigrated(ctx, db, file.name)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}

		contents, err := os.ReadFile(file.path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file.name, err)
		}
		err = runInTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", file.name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, file.name); err != nil {
				return fmt.Errorf("record migration %s: %w", file.name, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied++
		logger.Info("migration applied", zap.String("version", file.name))
	}
	return applied, nil
}

// RollbackMigrations runs the down files of applied migrations, newest first, and forgets them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger *zap.Logger) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	downs, err := migrationFiles(migrationsDir, "down")
	if err != nil {
		return err
	}
	for i := len(downs) - 1; i >= 0; i-- {
		down := downs[i]
		upName := strings.TrimSuffix(down.name, ".down.sql") + ".up.sql"
		migrated, err := isMigrated(ctx, db, upName)
		if err != nil {
			return err
		}
		if !migrated {
			continue
		}
		contents, err := os.ReadFile(down.path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", down.name, err)
		}
		err = runInTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", down.name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, upName); err != nil {
				return fmt.Errorf("forget migration %s: %w", upName, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("migration rolled back", zap.String("version", upName))
	}
	return nil
}

func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
