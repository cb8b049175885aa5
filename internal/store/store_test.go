package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
	"github.com/yungbote/jobqueue/internal/store"
	"github.com/yungbote/jobqueue/internal/store/testutil"
)

func TestInsertRequiresQueue(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)

	_, err := s.Insert(context.Background(), nil, &store.Job{Priority: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, jqerrors.ErrInvalidArgument)
}

func TestFindAvailableOrderingAndLocking(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()
	now := time.Now()

	low := mustInsert(t, s, ctx, &store.Job{Priority: 5, Queue: "default", RunAt: now.Add(-time.Minute), Payload: datatypes.JSON([]byte("{}"))})
	high := mustInsert(t, s, ctx, &store.Job{Priority: 1, Queue: "default", RunAt: now.Add(-time.Minute), Payload: datatypes.JSON([]byte("{}"))})
	future := mustInsert(t, s, ctx, &store.Job{Priority: 1, Queue: "default", RunAt: now.Add(time.Hour), Payload: datatypes.JSON([]byte("{}"))})

	jobs, err := s.FindAvailable(ctx, "default", 0, 10, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)

	for _, j := range jobs {
		assert.NotEqual(t, future.ID, j.ID)
	}
}

func TestBulkUpdateHoldUnhold(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	job := mustInsert(t, s, ctx, &store.Job{Priority: 0, Queue: "default", Tag: "hold-me", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})

	n, err := s.BulkUpdate(ctx, store.BulkHold, store.Selector{Tag: "hold-me"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	held, err := s.GetByID(ctx, nil, job.ID)
	require.NoError(t, err)
	require.NotNil(t, held.LockedBy)
	assert.Equal(t, store.LockedByOnHold, *held.LockedBy)

	available, err := s.FindAvailable(ctx, "default", 0, 10, 10)
	require.NoError(t, err)
	for _, j := range available {
		assert.NotEqual(t, job.ID, j.ID)
	}

	n, err = s.BulkUpdate(ctx, store.BulkUnhold, store.Selector{Tag: "hold-me"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	unheld, err := s.GetByID(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Nil(t, unheld.LockedBy)
}

func TestMoveToFailedRemovesFromActiveSet(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	job := mustInsert(t, s, ctx, &store.Job{Priority: 0, Queue: "default", Source: "worker-pool", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})

	failed, err := s.MoveToFailed(ctx, job.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, job.ID, failed.OriginalJobID)
	assert.Equal(t, "worker-pool", failed.Source, "Source is preserved from the original row")
	assert.Equal(t, "boom", failed.Reason, "Reason carries the failure cause, not Source")

	_, err = s.GetByID(ctx, nil, job.ID)
	assert.Error(t, err)

	count, err := s.JobsCount(ctx, store.FlavorFailed, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestUnlockOrphanedPrefetchedReleasesStaleBrokerLocks(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	ctx := context.Background()

	stale := mustInsert(t, s, ctx, &store.Job{Priority: 0, Queue: "default", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})
	fresh := mustInsert(t, s, ctx, &store.Job{Priority: 0, Queue: "default", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})

	require.NoError(t, tx.Model(&store.Job{}).Where("id = ?", stale.ID).
		Updates(map[string]any{"locked_at": time.Now().Add(-time.Hour), "locked_by": store.PrefetchOwner("dead-host")}).Error)
	require.NoError(t, tx.Model(&store.Job{}).Where("id = ?", fresh.ID).
		Updates(map[string]any{"locked_at": time.Now(), "locked_by": store.PrefetchOwner("live-host")}).Error)

	n, err := s.UnlockOrphanedPrefetched(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	released, err := s.GetByID(ctx, nil, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, released.LockedBy)

	stillHeld, err := s.GetByID(ctx, nil, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, stillHeld.LockedBy)
	assert.Equal(t, store.PrefetchOwner("live-host"), *stillHeld.LockedBy)
}

func mustInsert(t *testing.T, s *store.Store, ctx context.Context, job *store.Job) *store.Job {
	t.Helper()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	inserted, err := s.Insert(ctx, nil, job)
	require.NoError(t, err)
	return inserted
}
