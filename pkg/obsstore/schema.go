package obsstore

import (
	"context"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// InitDatabase creates (or upgrades) the pipeline schema in place. Running it
// against an initialised database is a no-op.
//
// v1: collections, observations, observation_chunks, slurm_jobs
// v2: slurm_jobs.submitted_at / updated_at for reconciler bookkeeping
func (s *Store) InitDatabase(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS collections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_name TEXT NOT NULL,
			collection_path TEXT NOT NULL,
			pid TEXT NOT NULL,
			description TEXT,
			name_alias TEXT
		);`,

		`CREATE TABLE IF NOT EXISTS slurm_jobs (
			id INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			description TEXT,
			submitted_at TEXT,
			updated_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slurm_jobs_state ON slurm_jobs(state);`,

		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slurm_id INTEGER,
			obs_start_utc TEXT NOT NULL,
			obs_type TEXT NOT NULL,
			nchan INTEGER NOT NULL,
			nsubint INTEGER NOT NULL,
			nbin INTEGER NOT NULL,
			npol INTEGER NOT NULL,
			cfreq REAL NOT NULL,
			bw REAL NOT NULL,
			source TEXT NOT NULL,
			backend TEXT NOT NULL,
			telescope TEXT NOT NULL,
			psradded_file TEXT,
			decimated INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(slurm_id) REFERENCES slurm_jobs(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_utc ON observations(obs_start_utc, cfreq);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_slurm_id ON observations(slurm_id);`,

		`CREATE TABLE IF NOT EXISTS observation_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_id INTEGER NOT NULL,
			observation_id INTEGER NOT NULL,
			nchan INTEGER NOT NULL,
			nsubint INTEGER NOT NULL,
			nbin INTEGER NOT NULL,
			npol INTEGER NOT NULL,
			cfreq REAL NOT NULL,
			bw REAL NOT NULL,
			file_size INTEGER NOT NULL,
			source TEXT NOT NULL,
			backend TEXT NOT NULL,
			telescope TEXT NOT NULL,
			start_mjd REAL NOT NULL,
			end_mjd REAL NOT NULL,
			obs_start_utc TEXT NOT NULL,
			obs_type TEXT NOT NULL,
			original_file TEXT NOT NULL,
			sym_file TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			preprocessed_file TEXT,
			cleaned_file TEXT,
			calibrated_file TEXT,
			recleaned_file TEXT,
			FOREIGN KEY(collection_id) REFERENCES collections(id),
			FOREIGN KEY(observation_id) REFERENCES observations(id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_original_file ON observation_chunks(original_file);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_observation_id ON observation_chunks(observation_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current < 2 {
		alters := []string{
			`ALTER TABLE slurm_jobs ADD COLUMN submitted_at TEXT;`,
			`ALTER TABLE slurm_jobs ADD COLUMN updated_at TEXT;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
