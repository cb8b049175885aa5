// Package strand implements the Strand Coordinator (C3): singleton
// coalescing and the n-strand name-mapping helper. next_in_strand
// maintenance itself lives in the store's triggers (§4.3's "Rationale":
// ordering must hold for every writer, not just the broker, so it belongs
// to the database, not to application code).
package strand

import (
	"context"
	"math/rand"
	"strconv"

	"gorm.io/gorm"

	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/store"
)

type Coordinator struct {
	store *store.Store
	log   *logger.Logger
}

func New(s *store.Store, log *logger.Logger) *Coordinator {
	return &Coordinator{store: s, log: log.With("component", "StrandCoordinator")}
}

// CreateSingleton implements §4.3's create_singleton: at most one pending
// (unlocked) row ever exists on a strand. A second concurrent call pulls
// the existing row's run_at forward instead of inserting a duplicate,
// while a currently-running job on the same strand is left alone — the
// lookup is scoped to locked_at IS NULL, not "any state" (§9's deliberate
// design note: this is what lets "debounce while running" work).
func (c *Coordinator) CreateSingleton(ctx context.Context, job *store.Job) (*store.Job, error) {
	if job.Strand == nil || *job.Strand == "" {
		return nil, jqerrors.ErrStrandRequired
	}
	strand := *job.Strand

	var result *store.Job
	err := c.store.WithStrandLock(ctx, strand, func(tx *gorm.DB) error {
		var existing store.Job
		err := tx.Where("strand = ? AND locked_at IS NULL", strand).
			Order("sequence ASC").
			First(&existing).Error
		switch {
		case err == nil:
			if job.RunAt.Before(existing.RunAt) {
				if uErr := tx.Model(&store.Job{}).Where("id = ?", existing.ID).
					Update("run_at", job.RunAt).Error; uErr != nil {
					return uErr
				}
				existing.RunAt = job.RunAt
			}
			result = &existing
			return nil
		case isNotFound(err):
			inserted, iErr := c.store.Insert(ctx, tx, job)
			if iErr != nil {
				return iErr
			}
			result = inserted
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// NumStrandsFunc maps an n-strand base name to a fan-out count (0 or
// !ok means "not an n-strand").
type NumStrandsFunc func(name string) (n int, ok bool)

// Resolve maps an n-strand base name to a concrete strand identifier: when
// num_strands(name) > 1, a uniform-random 1-indexed sub-strand suffix is
// appended; otherwise the name passes through unchanged. Only the base name
// is taken; Resolve accepts no discriminator, so related enqueues cannot be
// routed to the same sub-strand through it.
func Resolve(name string, numStrands NumStrandsFunc) string {
	n, ok := numStrands(name)
	if !ok || n <= 1 {
		return name
	}
	i := 1 + rand.Intn(n)
	return name + ":" + strconv.Itoa(i)
}
