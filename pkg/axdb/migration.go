package axdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// migrationManager applies ordered schema migrations. Versions are applied in
// ascending order inside individual transactions.
type migrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func newMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *migrationManager {
	return &migrationManager{db: db, logger: logger, migrations: migrations}
}

func (m *migrationManager) Run(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int

	err = m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	versions := make([]int, 0, len(m.migrations))
	for v := range m.migrations {
		versions = append(versions, v)
	}

	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}

		m.logger.InfoContext(ctx, "Applying migration", "version", version)

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, m.migrations[version]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				ts BIGINT NOT NULL,
				doc JSONB NOT NULL
			);
			CREATE INDEX idx_workflows_status ON workflows(status);

			CREATE TABLE workflow_events (
				seq BIGSERIAL PRIMARY KEY,
				root_id TEXT NOT NULL,
				doc JSONB NOT NULL
			);
			CREATE INDEX idx_workflow_events_root ON workflow_events(root_id);

			CREATE TABLE workflow_node_results (
				root_id TEXT NOT NULL,
				sn BIGINT NOT NULL,
				doc JSONB NOT NULL,
				PRIMARY KEY (root_id, sn)
			);

			CREATE TABLE artifact_meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE fixture_classes (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				doc JSONB NOT NULL
			);

			CREATE TABLE fixture_instances (
				id TEXT PRIMARY KEY,
				doc JSONB NOT NULL
			);

			CREATE TABLE fixture_requests (
				service_id TEXT PRIMARY KEY,
				request_time BIGINT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE TABLE volumes (
				id TEXT PRIMARY KEY,
				axrn TEXT NOT NULL UNIQUE,
				doc JSONB NOT NULL
			);

			CREATE TABLE storage_classes (
				name TEXT PRIMARY KEY,
				doc JSONB NOT NULL
			);

			CREATE TABLE retention_policies (
				tag_name TEXT PRIMARY KEY,
				total_number BIGINT NOT NULL DEFAULT 0,
				total_size BIGINT NOT NULL DEFAULT 0,
				total_real_size BIGINT NOT NULL DEFAULT 0,
				doc JSONB NOT NULL
			);

			CREATE TABLE artifacts (
				artifact_id TEXT PRIMARY KEY,
				ax_time BIGINT NOT NULL,
				deleted INTEGER NOT NULL DEFAULT 0,
				doc JSONB NOT NULL
			);
			CREATE INDEX idx_artifacts_ax_time ON artifacts(ax_time);

			CREATE TABLE resource_reservations (
				resource_id TEXT PRIMARY KEY,
				ts BIGINT NOT NULL,
				doc JSONB NOT NULL
			);
		`,
	}
}
