package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/jobqueue/internal/lock"
	"github.com/yungbote/jobqueue/internal/store"
	"github.com/yungbote/jobqueue/internal/store/testutil"
)

func TestLockExclusivelyIsCompareAndSet(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	mgr := lock.New(tx, testutil.Logger(t))
	ctx := context.Background()

	job, err := s.Insert(ctx, nil, &store.Job{Priority: 0, Queue: "default", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})
	require.NoError(t, err)

	ok, err := mgr.LockExclusively(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.LockExclusively(ctx, job.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "second lock attempt on an already-locked row must fail")
}

func TestTransferLockAndUnlock(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	mgr := lock.New(tx, testutil.Logger(t))
	ctx := context.Background()

	job, err := s.Insert(ctx, nil, &store.Job{Priority: 0, Queue: "default", RunAt: time.Now(), Payload: datatypes.JSON([]byte("{}"))})
	require.NoError(t, err)

	ok, err := mgr.LockExclusively(ctx, job.ID, "prefetch:host-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.TransferLock(ctx, job.ID, "prefetch:host-a", "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.TransferLock(ctx, job.ID, "prefetch:host-a", "worker-2")
	require.NoError(t, err)
	assert.False(t, ok, "transfer from the wrong current owner must be a no-op")

	require.NoError(t, mgr.Unlock(ctx, []uuid.UUID{job.ID}))
	got, err := s.GetByID(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedBy)
}

func TestGetAndLockNextAvailableDistributesAcrossWorkers(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	mgr := lock.New(tx, testutil.Logger(t))
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, nil, &store.Job{Priority: 0, Queue: "default", RunAt: now.Add(-time.Minute), Payload: datatypes.JSON([]byte("{}"))})
		require.NoError(t, err)
	}

	assignments, err := mgr.GetAndLockNextAvailable(ctx, []string{"worker-1", "worker-2"}, "default", 0, 10, 1, "prefetch:host-a")
	require.NoError(t, err)

	var workerJobs, prefetchBatch int
	for _, a := range assignments {
		if a.Job != nil {
			workerJobs++
		}
		if a.Batch != nil {
			prefetchBatch += len(a.Batch)
		}
	}
	assert.Equal(t, 2, workerJobs)
	assert.Equal(t, 1, prefetchBatch)
}
