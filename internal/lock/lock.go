// Package lock implements the Lock Manager (C2): atomic lock acquisition,
// transfer, release, and batch claiming over the Job Store, following the
// teacher's internal/repos/job_run.go ClaimNextRunnable — a
// db.Transaction wrapping a clause.Locking{Strength:"UPDATE",
// Options:"SKIP LOCKED"} select plus an Updates call.
package lock

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/store"
)

type Manager struct {
	db  *gorm.DB
	log *logger.Logger

	// SelectRandomFromBatch shuffles an ordered fetch batch before handing
	// it out, per the `select_random_from_batch` config flag (§4.2). The
	// batch itself is still fetched in (priority, run_at, sequence) order.
	SelectRandomFromBatch bool
}

func New(db *gorm.DB, log *logger.Logger) *Manager {
	return &Manager{db: db, log: log.With("component", "LockManager")}
}

// LockExclusively conditions the update on locked_at IS NULL AND run_at <=
// now, and deliberately does NOT re-check strand constraints — the caller
// (broker or worker) relies on next_in_strand already being enforced by the
// store's triggers, per §4.2.
func (m *Manager) LockExclusively(ctx context.Context, id uuid.UUID, worker string) (bool, error) {
	res := m.db.WithContext(ctx).Model(&store.Job{}).
		Where("id = ? AND locked_at IS NULL AND run_at <= ?", id, time.Now()).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": worker})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TransferLock atomically compare-and-sets locked_by from `from` to `to`,
// used by the broker to hand a pre-locked prefetch job to a newly
// connected worker (§4.2, §4.4 step 1).
func (m *Manager) TransferLock(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	res := m.db.WithContext(ctx).Model(&store.Job{}).
		Where("id = ? AND locked_by = ?", id, from).
		Update("locked_by", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Unlock clears locked_at/locked_by for every id, unconditionally.
func (m *Manager) Unlock(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return m.db.WithContext(ctx).Model(&store.Job{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"locked_at": nil, "locked_by": nil}).Error
}

// Assignment is one entry of GetAndLockNextAvailable's result: either a job
// handed to a specific worker, or the prefetch bucket.
type Assignment struct {
	// Owner is a worker name, or prefetchOwner for the trailing batch.
	Owner string
	Job   *store.Job // set when this assignment is a single worker's job
	Batch []*store.Job
}

// GetAndLockNextAvailable fetches up to len(workers)+prefetchN ready jobs
// from queue within [minPriority,maxPriority] and locks them in one
// transactional pass: the first len(workers) rows go to workers by
// position, the remainder are locked under prefetchOwner (§4.2). Only
// entries that actually received a job are returned.
func (m *Manager) GetAndLockNextAvailable(
	ctx context.Context,
	workers []string,
	queue string,
	minPriority, maxPriority int,
	prefetchN int,
	prefetchOwner string,
) ([]Assignment, error) {
	want := len(workers) + prefetchN
	if want <= 0 {
		return nil, nil
	}

	var assignments []Assignment
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []*store.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND priority BETWEEN ? AND ? AND locked_at IS NULL AND next_in_strand = true AND run_at <= ?",
				queue, minPriority, maxPriority, time.Now()).
			Order("priority ASC, run_at ASC, sequence ASC").
			Limit(want).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if m.SelectRandomFromBatch {
			rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		}

		now := time.Now()
		for i, job := range batch {
			var owner string
			if i < len(workers) {
				owner = workers[i]
			} else {
				owner = prefetchOwner
			}
			if err := tx.Model(&store.Job{}).Where("id = ?", job.ID).
				Updates(map[string]any{"locked_at": now, "locked_by": owner}).Error; err != nil {
				return err
			}
			job.LockedAt = &now
			job.LockedBy = &owner
		}

		var prefetchBatch []*store.Job
		for i, job := range batch {
			if i < len(workers) {
				assignments = append(assignments, Assignment{Owner: workers[i], Job: job})
			} else {
				prefetchBatch = append(prefetchBatch, job)
			}
		}
		if len(prefetchBatch) > 0 {
			assignments = append(assignments, Assignment{Owner: prefetchOwner, Batch: prefetchBatch})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}
