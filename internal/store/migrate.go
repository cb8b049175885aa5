package store

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate creates/updates the delayed_jobs and failed_jobs tables and
// the indexes spec.md §6 requires, following the teacher's
// internal/data/db.AutoMigrateAll + EnsureLearningIndexes two-step shape:
// gorm.AutoMigrate for columns, then raw db.Exec for the indexes and
// Postgres-specific objects gorm doesn't model (partial indexes, trigger
// functions, the advisory-lock hashing function).
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Job{}, &FailedJob{}); err != nil {
		return fmt.Errorf("automigrate delayed_jobs/failed_jobs: %w", err)
	}
	if err := ensureIndexes(db); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	if err := ensureStrandFunctions(db); err != nil {
		return fmt.Errorf("ensure strand functions: %w", err)
	}
	if err := ensureStrandTriggers(db); err != nil {
		return fmt.Errorf("ensure strand triggers: %w", err)
	}
	return nil
}

func ensureIndexes(db *gorm.DB) error {
	stmts := []string{
		// Ready-set composite index (§6.a): only rows that could possibly be
		// returned by find_available, so the planner never has to touch a
		// locked or strand-blocked row.
		`CREATE INDEX IF NOT EXISTS idx_delayed_jobs_ready
		 ON delayed_jobs (queue, priority, run_at)
		 WHERE locked_at IS NULL AND next_in_strand = true;`,

		// Partial index on locked_by where not null (§6.b).
		`CREATE INDEX IF NOT EXISTS idx_delayed_jobs_locked_by
		 ON delayed_jobs (locked_by)
		 WHERE locked_by IS NOT NULL;`,

		// Strand index (§6.c) — already created by gorm's `gorm:"index"` tag,
		// but IF NOT EXISTS keeps this idempotent across AutoMigrate ordering.
		`CREATE INDEX IF NOT EXISTS idx_delayed_jobs_strand ON delayed_jobs (strand);`,

		// Tag index (§6.d).
		`CREATE INDEX IF NOT EXISTS idx_delayed_jobs_tag ON delayed_jobs (tag);`,

		`CREATE INDEX IF NOT EXISTS idx_failed_jobs_tag ON failed_jobs (tag);`,
		`CREATE INDEX IF NOT EXISTS idx_failed_jobs_original_job_id ON failed_jobs (original_job_id);`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureStrandFunctions(db *gorm.DB) error {
	// half_md5_as_bigint produces a stable 63-bit key from a strand name for
	// pg_advisory_xact_lock, which takes a bigint.
	return db.Exec(`
		CREATE OR REPLACE FUNCTION half_md5_as_bigint(text_val text) RETURNS bigint AS $$
			SELECT ('x' || substr(md5(text_val), 1, 16))::bit(63)::bigint;
		$$ LANGUAGE sql IMMUTABLE;
	`).Error
}

// ensureStrandTriggers installs the insert-after and delete-after triggers
// that maintain next_in_strand per §4.3. These run inside the same
// transaction as the row mutation they react to, so invariant (3) holds at
// commit regardless of which caller (broker, worker, ad-hoc enqueuer)
// performed the write.
func ensureStrandTriggers(db *gorm.DB) error {
	stmts := []string{
		`CREATE OR REPLACE FUNCTION delayed_jobs_strand_insert() RETURNS trigger AS $$
		DECLARE
			existing_count integer;
		BEGIN
			IF NEW.strand IS NULL THEN
				RETURN NULL;
			END IF;
			PERFORM pg_advisory_xact_lock(half_md5_as_bigint(NEW.strand));
			SELECT count(*) INTO existing_count
				FROM delayed_jobs
				WHERE strand = NEW.strand AND id <> NEW.id;
			UPDATE delayed_jobs
				SET next_in_strand = (existing_count < NEW.max_concurrent)
				WHERE id = NEW.id;
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;`,

		`DROP TRIGGER IF EXISTS trg_delayed_jobs_strand_insert ON delayed_jobs;`,
		`CREATE TRIGGER trg_delayed_jobs_strand_insert
			AFTER INSERT ON delayed_jobs
			FOR EACH ROW
			EXECUTE FUNCTION delayed_jobs_strand_insert();`,

		`CREATE OR REPLACE FUNCTION delayed_jobs_strand_delete() RETURNS trigger AS $$
		DECLARE
			promote_id uuid;
			running_heads integer;
		BEGIN
			IF OLD.strand IS NULL THEN
				RETURN NULL;
			END IF;
			PERFORM pg_advisory_xact_lock(half_md5_as_bigint(OLD.strand));
			SELECT count(*) INTO running_heads
				FROM delayed_jobs
				WHERE strand = OLD.strand AND next_in_strand = true;
			IF running_heads < OLD.max_concurrent THEN
				SELECT id INTO promote_id
					FROM delayed_jobs
					WHERE strand = OLD.strand AND next_in_strand = false
					ORDER BY sequence ASC
					LIMIT 1;
				IF promote_id IS NOT NULL THEN
					UPDATE delayed_jobs SET next_in_strand = true WHERE id = promote_id;
				END IF;
			END IF;
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;`,

		`DROP TRIGGER IF EXISTS trg_delayed_jobs_strand_delete ON delayed_jobs;`,
		`CREATE TRIGGER trg_delayed_jobs_strand_delete
			AFTER DELETE ON delayed_jobs
			FOR EACH ROW
			EXECUTE FUNCTION delayed_jobs_strand_delete();`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}
