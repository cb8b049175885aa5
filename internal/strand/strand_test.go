package strand_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
	"github.com/yungbote/jobqueue/internal/store"
	"github.com/yungbote/jobqueue/internal/store/testutil"
	"github.com/yungbote/jobqueue/internal/strand"
)

func strPtr(s string) *string { return &s }

func TestCreateSingletonRequiresStrand(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	c := strand.New(s, testutil.Logger(t))

	_, err := c.CreateSingleton(context.Background(), &store.Job{Queue: "default", RunAt: time.Now()})
	assert.ErrorIs(t, err, jqerrors.ErrStrandRequired)
}

func TestCreateSingletonCoalescesPendingWork(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	s := store.New(tx, testutil.Logger(t), false)
	c := strand.New(s, testutil.Logger(t))
	ctx := context.Background()
	now := time.Now()

	first, err := c.CreateSingleton(ctx, &store.Job{
		Queue: "default", Strand: strPtr("digest:42"), RunAt: now.Add(time.Hour),
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	second, err := c.CreateSingleton(ctx, &store.Job{
		Queue: "default", Strand: strPtr("digest:42"), RunAt: now.Add(10 * time.Minute),
		Payload: datatypes.JSON([]byte("{}")),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a second enqueue on a pending singleton must coalesce, not insert")

	n, err := s.CountInStrand(ctx, "digest:42")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	refreshed, err := s.GetByID(ctx, nil, first.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(10*time.Minute), refreshed.RunAt, time.Second,
		"the earlier run_at of the two coalesced enqueues should win")
}

func TestResolveNStrand(t *testing.T) {
	numStrands := func(name string) (int, bool) {
		if name == "crawl" {
			return 4, true
		}
		return 0, false
	}

	resolved := strand.Resolve("crawl", numStrands)
	assert.Regexp(t, `^crawl:[1-4]$`, resolved)

	assert.Equal(t, "solo-job", strand.Resolve("solo-job", numStrands))
}
