// Package store implements the Job Store (C1): the persistent table of
// jobs, its indexed ready-set, and the strand-maintenance triggers that run
// inside the same transaction as insert/delete (§4.1).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
)

// Store exposes the Job Store contract from §4.1. FindAvailable and the
// active-flavor ListJobs are ordered by (priority ASC, run_at ASC) with a
// `sequence` (monotonic insert order) tertiary tiebreak, the store's
// stand-in for spec.md's "smallest id" (see SPEC_FULL Open Question #2).
// RunningJobs orders by locked_at ASC, the failed-flavor ListJobs by
// failed_at DESC, and TagCounts by count DESC.
type Store struct {
	db  *gorm.DB
	log *logger.Logger

	// quietFind suppresses gorm's query logging on the hot polling path,
	// per §4.1 "reads silenced".
	quietFind bool
}

func New(db *gorm.DB, log *logger.Logger, quietFind bool) *Store {
	return &Store{db: db, log: log.With("component", "Store"), quietFind: quietFind}
}

func (s *Store) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithStrandLock runs fn inside a transaction holding the per-strand
// advisory lock, per §4.1's "callers inserting a stranded job must first
// acquire an advisory lock keyed by a stable hash of the strand name".
// Released automatically at transaction end.
func (s *Store) WithStrandLock(ctx context.Context, strand string, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(half_md5_as_bigint(?))`, strand).Error; err != nil {
			return fmt.Errorf("acquire strand advisory lock: %w", err)
		}
		return fn(tx)
	})
}

// Insert adds a job. If tx is non-nil the insert is bound to the caller's
// transaction (the "ignore_transaction" knob in spec.md's lifecycle section
// is simply "pass a nil tx" here). Stranded inserts take the per-strand
// advisory lock first so the insert-after trigger never needs to upgrade a
// lock the session doesn't already hold.
func (s *Store) Insert(ctx context.Context, tx *gorm.DB, job *Job) (*Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Queue == "" {
		return nil, fmt.Errorf("%w: queue is required", jqerrors.ErrInvalidArgument)
	}
	if job.MaxConcurrent <= 0 {
		job.MaxConcurrent = 1
	}
	job.NextInStrand = true

	insert := func(db *gorm.DB) error {
		if job.Strand != nil {
			var conflict int64
			if err := db.Model(&Job{}).
				Where("strand = ? AND max_concurrent <> ?", *job.Strand, job.MaxConcurrent).
				Count(&conflict).Error; err != nil {
				return err
			}
			if conflict > 0 {
				return jqerrors.ErrStrandConcurrencyConflict
			}
		}
		return jqerrors.TranslatePgError(db.Create(job).Error)
	}

	if job.Strand != nil {
		strand := *job.Strand
		run := func(db *gorm.DB) error { return insert(db) }
		if tx != nil {
			// Caller already owns a transaction; take the lock within it.
			if err := tx.Exec(`SELECT pg_advisory_xact_lock(half_md5_as_bigint(?))`, strand).Error; err != nil {
				return nil, err
			}
			if err := run(tx); err != nil {
				return nil, err
			}
		} else if err := s.WithStrandLock(ctx, strand, run); err != nil {
			return nil, err
		}
	} else if err := insert(s.tx(tx).WithContext(ctx)); err != nil {
		return nil, err
	}

	return job, nil
}

// Delete removes a job by id. The delete-after trigger promotes the next
// strand head in the same transaction.
func (s *Store) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return s.tx(tx).WithContext(ctx).Where("id = ?", id).Delete(&Job{}).Error
}

// UpdateAttrs applies a partial update to a job row.
func (s *Store) UpdateAttrs(ctx context.Context, tx *gorm.DB, id uuid.UUID, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	attrs["updated_at"] = time.Now()
	return s.tx(tx).WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(attrs).Error
}

func (s *Store) quiet(db *gorm.DB) *gorm.DB {
	if s.quietFind {
		return db.Session(&gorm.Session{Logger: db.Logger.LogMode(0)})
	}
	return db
}

// FindAvailable returns up to limit ready jobs (§3 invariant 1) on queue
// within [minPriority, maxPriority], ordered (priority ASC, run_at ASC,
// sequence ASC) per §4.1/§4.2's tie-break rule. It does not lock anything;
// callers use the Lock Manager to claim rows.
func (s *Store) FindAvailable(ctx context.Context, queue string, minPriority, maxPriority, limit int) ([]*Job, error) {
	var jobs []*Job
	db := s.quiet(s.db.WithContext(ctx))
	err := db.
		Where("queue = ? AND priority BETWEEN ? AND ? AND locked_at IS NULL AND next_in_strand = true AND run_at <= ?",
			queue, minPriority, maxPriority, time.Now()).
		Order("priority ASC, run_at ASC, sequence ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// RunningJobs returns every job currently locked by a real worker (i.e.
// excluding "on hold" and prefetch-owner rows), used by the Health Reaper.
func (s *Store) RunningJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("locked_at IS NOT NULL AND locked_by <> ? AND locked_by NOT LIKE 'prefetch:%'", LockedByOnHold).
		Order("locked_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ClearLocks unconditionally unlocks every row held by worker, called on
// clean worker shutdown (§4.5) as a defensive no-op if the normal
// completion path already unlocked everything.
func (s *Store) ClearLocks(ctx context.Context, worker string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("locked_by = ?", worker).
		Updates(map[string]any{"locked_at": nil, "locked_by": nil}).Error
}

// BulkUpdateAction is one of the three admin bulk operations §6 guarantees
// to a CLI.
type BulkUpdateAction string

const (
	BulkHold    BulkUpdateAction = "hold"
	BulkUnhold  BulkUpdateAction = "unhold"
	BulkDestroy BulkUpdateAction = "destroy"
)

// Selector narrows a bulk operation to a subset of jobs. An empty selector
// matches nothing — callers must be explicit.
type Selector struct {
	IDs   []uuid.UUID
	Tag   string
	Queue string
}

func (sel Selector) apply(db *gorm.DB) *gorm.DB {
	if len(sel.IDs) > 0 {
		db = db.Where("id IN ?", sel.IDs)
	}
	if sel.Tag != "" {
		db = db.Where("tag = ?", sel.Tag)
	}
	if sel.Queue != "" {
		db = db.Where("queue = ?", sel.Queue)
	}
	return db
}

func (sel Selector) empty() bool {
	return len(sel.IDs) == 0 && sel.Tag == "" && sel.Queue == ""
}

// BulkUpdate applies action to every job matched by selector and returns
// the number of affected rows. hold sets locked_by="on hold" (excluding it
// from reads); unhold clears the hold and resets attempts/run_at so the job
// re-enters the ready set immediately (§8's hold/unhold round trip).
func (s *Store) BulkUpdate(ctx context.Context, action BulkUpdateAction, selector Selector) (int64, error) {
	if selector.empty() {
		return 0, fmt.Errorf("%w: empty selector would match every job", jqerrors.ErrInvalidArgument)
	}
	now := time.Now()
	base := selector.apply(s.db.WithContext(ctx).Model(&Job{}))

	switch action {
	case BulkHold:
		held := LockedByOnHold
		res := base.Where("locked_by IS NULL").Updates(map[string]any{
			"locked_at": now,
			"locked_by": held,
		})
		return res.RowsAffected, res.Error
	case BulkUnhold:
		res := base.Where("locked_by = ?", LockedByOnHold).Updates(map[string]any{
			"locked_at": nil,
			"locked_by": nil,
			"attempts":  0,
			"run_at":    now,
		})
		return res.RowsAffected, res.Error
	case BulkDestroy:
		res := selector.apply(s.db.WithContext(ctx)).Delete(&Job{})
		return res.RowsAffected, res.Error
	default:
		return 0, fmt.Errorf("%w: unknown bulk action %q", jqerrors.ErrInvalidArgument, action)
	}
}

// Flavor selects which logical table list_jobs/tag_counts/jobs_count read
// from.
type Flavor string

const (
	FlavorActive Flavor = "active"
	FlavorFailed Flavor = "failed"
)

// ListJobs implements the CLI-facing list_jobs(flavor, limit, offset, query)
// operation (§6).
func (s *Store) ListJobs(ctx context.Context, flavor Flavor, limit, offset int, query string) ([]any, error) {
	switch flavor {
	case FlavorFailed:
		var rows []*FailedJob
		db := s.db.WithContext(ctx).Order("failed_at DESC").Limit(limit).Offset(offset)
		if query != "" {
			db = db.Where("tag ILIKE ? OR source ILIKE ?", "%"+query+"%", "%"+query+"%")
		}
		if err := db.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	default:
		var rows []*Job
		db := s.db.WithContext(ctx).Order("priority ASC, run_at ASC, sequence ASC").Limit(limit).Offset(offset)
		if query != "" {
			db = db.Where("tag ILIKE ? OR source ILIKE ?", "%"+query+"%", "%"+query+"%")
		}
		if err := db.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}
}

// JobsCount is the companion count to ListJobs.
func (s *Store) JobsCount(ctx context.Context, flavor Flavor, query string) (int64, error) {
	var count int64
	var db *gorm.DB
	if flavor == FlavorFailed {
		db = s.db.WithContext(ctx).Model(&FailedJob{})
	} else {
		db = s.db.WithContext(ctx).Model(&Job{})
	}
	if query != "" {
		db = db.Where("tag ILIKE ? OR source ILIKE ?", "%"+query+"%", "%"+query+"%")
	}
	err := db.Count(&count).Error
	return count, err
}

// TagCount is one row of the tag_counts aggregate.
type TagCount struct {
	Tag   string
	Count int64
}

// TagCounts groups jobs by tag, paginated, for CLI reporting.
func (s *Store) TagCounts(ctx context.Context, flavor Flavor, limit, offset int) ([]TagCount, error) {
	var rows []TagCount
	table := "delayed_jobs"
	if flavor == FlavorFailed {
		table = "failed_jobs"
	}
	err := s.db.WithContext(ctx).
		Table(table).
		Select("tag, count(*) as count").
		Group("tag").
		Order("count DESC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	return rows, err
}

// UnlockOrphanedPrefetched releases every row still locked under any
// "prefetch:<host>" identity for longer than olderThan, regardless of which
// broker (if any) still believes it owns that bucket in memory. This is the
// sweep §4.4 step 6 schedules roughly every 15 minutes to recover prefetches
// left behind by a broker that crashed before its own unlockAllPrefetched
// shutdown path ran.
func (s *Store) UnlockOrphanedPrefetched(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("locked_by LIKE 'prefetch:%' AND locked_at <= ?", cutoff).
		Updates(map[string]any{"locked_at": nil, "locked_by": nil})
	return res.RowsAffected, res.Error
}

// CountInStrand reports how many jobs (any state) currently exist for a
// strand.
func (s *Store) CountInStrand(ctx context.Context, strand string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Job{}).Where("strand = ?", strand).Count(&n).Error
	return n, err
}

// GetByID fetches a single job by id, optionally inside the caller's
// transaction.
func (s *Store) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.tx(tx).WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MoveToFailed deletes the job and inserts its Failed-set companion in one
// transaction, preserving §3 invariant (4) — an id never appears in both
// sets at once.
func (s *Store) MoveToFailed(ctx context.Context, id uuid.UUID, reason string) (*FailedJob, error) {
	var failed *FailedJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		now := time.Now()
		failed = &FailedJob{
			ID:            uuid.New(),
			OriginalJobID: job.ID,
			Priority:      job.Priority,
			Queue:         job.Queue,
			Strand:        job.Strand,
			RunAt:         job.RunAt,
			LockedAt:      job.LockedAt,
			LockedBy:      job.LockedBy,
			Attempts:      job.Attempts,
			MaxAttempts:   job.MaxAttempts,
			Tag:           job.Tag,
			Source:        job.Source,
			Reason:        reason,
			Payload:       job.Payload,
			FailedAt:      now,
		}
		if err := jqerrors.TranslatePgError(tx.Create(failed).Error); err != nil {
			return err
		}
		return tx.Delete(&Job{}, "id = ?", job.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}
