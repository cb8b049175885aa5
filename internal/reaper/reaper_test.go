package reaper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/jobqueue/internal/reaper"
	"github.com/yungbote/jobqueue/internal/store"
	"github.com/yungbote/jobqueue/internal/store/testutil"
)

// fakeOracle answers Alive from an in-memory set instead of Redis, so these
// tests exercise sweep's skip/reclaim branches without a liveness backend.
type fakeOracle struct {
	mu    sync.Mutex
	alive map[string]bool
}

func newFakeOracle(alive ...string) *fakeOracle {
	o := &fakeOracle{alive: map[string]bool{}}
	for _, id := range alive {
		o.alive[id] = true
	}
	return o
}

func (o *fakeOracle) Alive(ctx context.Context, identity string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive[identity], nil
}

func TestSweepReclaimsJobsOwnedByDeadWorkers(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	job, err := s.Insert(ctx, nil, &store.Job{
		Priority: 0, Queue: "default", RunAt: time.Now(),
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	require.NoError(t, tx.Model(&store.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": "dead-worker"}).Error)

	r := reaper.New(tx, s, newFakeOracle(), testutil.Logger(t))
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inspected)
	assert.Equal(t, 1, result.Reclaimed)

	var reclaimed store.Job
	require.NoError(t, tx.First(&reclaimed, "id = ?", job.ID).Error)
	assert.Nil(t, reclaimed.LockedBy)
	assert.Nil(t, reclaimed.LockedAt)
}

func TestSweepSkipsJobsOwnedByLiveWorkers(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	job, err := s.Insert(ctx, nil, &store.Job{
		Priority: 0, Queue: "default", RunAt: time.Now(),
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	require.NoError(t, tx.Model(&store.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": "live-worker"}).Error)

	r := reaper.New(tx, s, newFakeOracle("live-worker"), testutil.Logger(t))
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inspected)
	assert.Equal(t, 0, result.Reclaimed, "a live worker's lock must survive a sweep")

	var untouched store.Job
	require.NoError(t, tx.First(&untouched, "id = ?", job.ID).Error)
	require.NotNil(t, untouched.LockedBy)
	assert.Equal(t, "live-worker", *untouched.LockedBy)
}

func TestSweepMovesExhaustedJobsToFailedInsteadOfRescheduling(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	maxAttempts := 3
	job, err := s.Insert(ctx, nil, &store.Job{
		Priority: 0, Queue: "default", RunAt: time.Now(),
		Attempts: 3, MaxAttempts: &maxAttempts,
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	require.NoError(t, tx.Model(&store.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": "dead-worker"}).Error)

	r := reaper.New(tx, s, newFakeOracle(), testutil.Logger(t))
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed)

	_, err = s.GetByID(ctx, nil, job.ID)
	assert.Error(t, err, "exhausted job must leave the active set")

	count, err := s.JobsCount(ctx, store.FlavorFailed, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSweepSkipsPrefetchOwnedJobs(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	job, err := s.Insert(ctx, nil, &store.Job{
		Priority: 0, Queue: "default", RunAt: time.Now(),
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	require.NoError(t, tx.Model(&store.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": "prefetch:host-a"}).Error)

	r := reaper.New(tx, s, newFakeOracle(), testutil.Logger(t))
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inspected, "prefetch-owned rows are excluded from RunningJobs")
	assert.Equal(t, 0, result.Reclaimed)
}
