package database

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner applies schema migrations in version order
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create event_archive table",
			Up: `
				CREATE TABLE IF NOT EXISTS event_archive (
					id TEXT PRIMARY KEY,
					source_id TEXT NOT NULL DEFAULT '',
					asset_key TEXT NOT NULL DEFAULT '',
					payload TEXT NOT NULL,
					archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
			Down: `DROP TABLE IF EXISTS event_archive;`,
		},
		{
			Version:     2,
			Description: "Create event_outcomes audit table",
			Up: `
				CREATE TABLE IF NOT EXISTS event_outcomes (
					id BIGSERIAL PRIMARY KEY,
					event_id TEXT NOT NULL,
					source_id TEXT NOT NULL DEFAULT '',
					stage TEXT NOT NULL,
					outcome TEXT NOT NULL,
					error TEXT NOT NULL DEFAULT '',
					recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
			Down: `DROP TABLE IF EXISTS event_outcomes;`,
		},
		{
			Version:     3,
			Description: "Index archive by asset key and outcomes by time",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_event_archive_asset_key ON event_archive(asset_key, archived_at DESC);
				CREATE INDEX IF NOT EXISTS idx_event_outcomes_recorded ON event_outcomes(outcome, recorded_at DESC);
				CREATE INDEX IF NOT EXISTS idx_event_outcomes_source ON event_outcomes(source_id);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_event_outcomes_source;
				DROP INDEX IF EXISTS idx_event_outcomes_recorded;
				DROP INDEX IF EXISTS idx_event_archive_asset_key;
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum TEXT NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date",
			"component", "migrations",
			"latest_version", all[len(all)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Migrations applied",
		"component", "migrations",
		"migrations_applied", pending,
	)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"component", "migrations",
			"version", m.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256([]byte(m.Up)))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, checksum) VALUES ($1, $2, $3, $4)`,
		m.Version, m.Description, time.Now(), checksum,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// GetMigrationStatus returns the current migration status
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (map[string]interface{}, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	all := GetAllMigrations()
	latest := all[len(all)-1].Version
	current := 0
	for v := range applied {
		if v > current {
			current = v
		}
	}

	return map[string]interface{}{
		"current_version": current,
		"latest_version":  latest,
		"pending_count":   len(all) - len(applied),
		"is_up_to_date":   current == latest,
	}, nil
}
