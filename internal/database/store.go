package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const defaultOutcomeLimit = 100

// Store is the Postgres-backed event archive and outcome audit log.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

var (
	_ core.ArchiveStore = (*Store)(nil)
	_ core.OutcomeStore = (*Store)(nil)
)

func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (_ *Store, err error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	start := time.Now()
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, types.Transient("database.connect", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db, cfg: cfg, logger: log}

	migrateStart := time.Now()
	if err := NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart, "success", true)

	return store, nil
}

// maskDSN masks credentials in DSN for logging
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// DB exposes the underlying handle for tests and status checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM event_archive WHERE id = $1)`, id)
	if err != nil {
		return false, types.Transient("archive.exists", err)
	}
	return exists, nil
}

// Write inserts the canonical payload once. A second write for the same id
// leaves the original row untouched and returns core.ErrAlreadyExists.
func (s *Store) Write(ctx context.Context, id string, data []byte) error {
	start := time.Now()

	var head struct {
		SourceID string `json:"source_id"`
		AssetKey string `json:"asset_key"`
	}
	_ = json.Unmarshal(data, &head)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_archive (id, source_id, asset_key, payload, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		id, head.SourceID, head.AssetKey, string(data), time.Now().UTC(),
	)
	if err != nil {
		return types.Transient("archive.write", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return types.Transient("archive.write", err)
	}

	s.logger.LogDatabaseOperation(ctx, "insert", "event_archive", rows, time.Since(start), "event_id", id)
	if rows == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Read(ctx context.Context, id string) ([]byte, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM event_archive WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, types.Transient("archive.read", err)
	}
	return []byte(payload), nil
}

// CountArchived returns the number of archived events.
func (s *Store) CountArchived(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM event_archive`); err != nil {
		return 0, types.Transient("archive.count", err)
	}
	return n, nil
}

func (s *Store) SaveOutcome(ctx context.Context, rec core.OutcomeRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO event_outcomes (event_id, source_id, stage, outcome, error, recorded_at)
		VALUES (:event_id, :source_id, :stage, :outcome, :error, :recorded_at)`, rec)
	if err != nil {
		return types.Transient("outcomes.save", err)
	}
	return nil
}

func (s *Store) ListOutcomes(ctx context.Context, filter core.OutcomeFilter) ([]core.OutcomeRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Outcome != "" {
		add("outcome = $%d", string(filter.Outcome))
	}
	if filter.SourceID != "" {
		add("source_id = $%d", filter.SourceID)
	}
	if filter.Since != nil {
		add("recorded_at >= $%d", *filter.Since)
	}

	query := `SELECT event_id, source_id, stage, outcome, error, recorded_at FROM event_outcomes`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOutcomeLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, id DESC LIMIT $%d", len(args))

	var out []core.OutcomeRecord
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, types.Transient("outcomes.list", err)
	}
	return out, nil
}

// CountOutcomes groups audit entries recorded since the given time.
func (s *Store) CountOutcomes(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT outcome, COUNT(*) FROM event_outcomes WHERE recorded_at >= $1 GROUP BY outcome`, since)
	if err != nil {
		return nil, types.Transient("outcomes.count", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
