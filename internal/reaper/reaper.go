// Package reaper implements the Health Reaper (C6): a periodic sweep that
// reclaims locks held by workers the configured liveness oracle can no
// longer vouch for (§4.6). Grounded on the teacher's job_run.go
// transactional-update style for the reclaim itself; the cluster-wide
// mutual exclusion follows the same pg_advisory_xact_lock idiom the store
// uses for strand serialization.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/yungbote/jobqueue/internal/liveness"
	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/store"
)

// advisoryLockKey is an arbitrary fixed bigint identifying "the health
// reaper sweep", distinct from any strand hash (those are always produced
// by half_md5_as_bigint, never a small literal like this one).
const advisoryLockKey = 918245001

type Reaper struct {
	db     *gorm.DB
	store  *store.Store
	oracle liveness.Oracle
	log    *logger.Logger

	sf singleflight.Group
}

func New(db *gorm.DB, st *store.Store, oracle liveness.Oracle, log *logger.Logger) *Reaper {
	return &Reaper{db: db, store: st, oracle: oracle, log: log.With("component", "HealthReaper")}
}

// Result summarizes one sweep.
type Result struct {
	Inspected int
	Reclaimed int
}

// RunOnce performs a single sweep, deduplicated via singleflight so a
// sweep already in flight absorbs concurrent callers instead of running
// the scan twice (e.g. a manual trigger overlapping the periodic ticker).
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	v, err, _ := r.sf.Do("sweep", func() (any, error) {
		return r.sweep(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// sweep holds the cluster-wide advisory lock for its entire duration so
// only one host's reaper is ever reclaiming locks at a time — two reapers
// racing on the same abandoned row would both see it unowned and both try
// to reschedule it.
func (r *Reaper) sweep(ctx context.Context) (Result, error) {
	var result Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(?)`, advisoryLockKey).Error; err != nil {
			return fmt.Errorf("reaper: acquire sweep lock: %w", err)
		}

		running, err := r.store.RunningJobs(ctx)
		if err != nil {
			return fmt.Errorf("reaper: list running jobs: %w", err)
		}
		result.Inspected = len(running)

		for _, job := range running {
			if job.LockedBy == nil {
				continue
			}
			if liveness.IsPrefetchIdentity(*job.LockedBy) {
				// The broker's own prefetch sweep owns these, not us.
				continue
			}
			alive, err := r.oracle.Alive(ctx, *job.LockedBy)
			if err != nil {
				r.log.Error("liveness check failed", "job_id", job.ID, "locked_by", *job.LockedBy, "error", err)
				continue
			}
			if alive {
				continue
			}
			if err := r.reclaim(ctx, job.ID, *job.LockedBy); err != nil {
				r.log.Error("reclaim failed", "job_id", job.ID, "locked_by", *job.LockedBy, "error", err)
				continue
			}
			result.Reclaimed++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	r.log.Info("health reaper sweep complete", "inspected", result.Inspected, "reclaimed", result.Reclaimed)
	return result, nil
}

// reclaim performs the two-step CAS §4.6 describes: first mark the row
// claimed by "abandoned job cleanup" (so a second reaper sweep, or the
// worker if it wakes back up and tries to report, sees a conflicting
// writer instead of silently racing), then reschedule it into the ready
// set — or, if attempts were already at cap, move it to the Failed set
// instead (§8 scenario S6). The first step is conditioned on the row still
// being owned by the dead identity and the second on it still carrying the
// cleanup marker, so a worker that reports completion before the reclaim
// wins instead of being overwritten.
func (r *Reaper) reclaim(ctx context.Context, id uuid.UUID, deadOwner string) error {
	var exhausted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&store.Job{}).
			Where("id = ? AND locked_by = ?", id, deadOwner).
			Update("locked_by", store.LockedByAbandonedCleanup)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already reported or reclaimed by a concurrent sweep
		}

		var job store.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if job.MaxAttempts != nil && job.Attempts >= *job.MaxAttempts {
			exhausted = true
			return nil // moved to Failed outside this transaction, after commit
		}
		return tx.Model(&store.Job{}).
			Where("id = ? AND locked_by = ?", id, store.LockedByAbandonedCleanup).
			Updates(map[string]any{
				"locked_at": nil,
				"locked_by": nil,
				"run_at":    time.Now(),
			}).Error
	})
	if err != nil {
		return err
	}
	if exhausted {
		_, err := r.store.MoveToFailed(ctx, id, "abandoned by dead worker, attempts exhausted")
		return err
	}
	return nil
}
