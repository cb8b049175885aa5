package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LockedByOnHold is the reserved locker identity for administratively held
// jobs (§3 invariant 6). Held jobs are excluded from find_available.
const LockedByOnHold = "on hold"

// LockedByAbandonedCleanup is the locker identity the Health Reaper writes
// before rescheduling a job whose owning worker is no longer live (§4.6).
const LockedByAbandonedCleanup = "abandoned job cleanup"

// PrefetchOwner returns the synthetic locker identity the broker on host
// uses to hold jobs it has pre-locked but not yet handed to a worker.
func PrefetchOwner(host string) string {
	return "prefetch:" + host
}

// Job is the persistent row for an active, not-yet-terminal job (§3).
type Job struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence int64     `gorm:"autoIncrement;uniqueIndex"` // FIFO tiebreak; see SPEC_FULL Open Question #2

	Priority int    `gorm:"not null"`
	Queue    string `gorm:"not null"`

	Strand        *string `gorm:"index"`
	MaxConcurrent int     `gorm:"not null;default:1"`
	NextInStrand  bool    `gorm:"not null;default:true"`

	RunAt    time.Time `gorm:"not null"`
	LockedAt *time.Time
	LockedBy *string

	Attempts    int
	MaxAttempts *int

	Tag    string `gorm:"index"`
	Source string
	Payload datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "delayed_jobs" }

// FailedJob is the terminal companion record (§3).
type FailedJob struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence int64     `gorm:"autoIncrement"`

	OriginalJobID uuid.UUID `gorm:"type:uuid;index"`

	Priority int
	Queue    string `gorm:"index"`
	Strand   *string

	RunAt    time.Time
	LockedAt *time.Time
	LockedBy *string

	Attempts    int
	MaxAttempts *int

	Tag     string `gorm:"index"`
	Source  string
	Payload datatypes.JSON

	// Reason carries why the job failed (the job handler's error, or the
	// Health Reaper's "attempts exhausted" note); Source is preserved
	// unchanged from the original row so §3's "preserved attributes"
	// guarantee holds.
	Reason string

	FailedAt  time.Time `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FailedJob) TableName() string { return "failed_jobs" }

// Ready reports whether a row, taken as a value in isolation, satisfies
// invariant (1). FindAvailable expresses the same predicate in SQL; this
// is the in-process equivalent used by tests that assert on job snapshots.
func (j *Job) Ready(now time.Time) bool {
	return !j.RunAt.After(now) && j.LockedAt == nil && j.NextInStrand
}
