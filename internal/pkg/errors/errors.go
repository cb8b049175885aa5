package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLockContention means a lock_exclusively / transfer_lock compare-and-set
	// affected zero rows. Not a failure — callers move to the next candidate.
	ErrLockContention = errors.New("lock contention: row already claimed")

	// ErrStrandConcurrencyConflict is returned by Insert when a stranded job's
	// max_concurrent disagrees with the value already recorded for that strand.
	ErrStrandConcurrencyConflict = errors.New("strand max_concurrent disagrees with existing rows")

	// ErrJobPermanentFailure marks a job that exhausted max_attempts or whose
	// handler signaled a terminal failure; the caller should move it to the
	// failed set instead of rescheduling.
	ErrJobPermanentFailure = errors.New("job permanently failed")

	// ErrUnknownLifecycleEvent is a programmer error: a hook was registered or
	// fired against an event name the registry does not know about.
	ErrUnknownLifecycleEvent = errors.New("unknown lifecycle event")

	// ErrCallbackArityMismatch is a programmer error: a hook callback's arity
	// does not match the event's declared arity.
	ErrCallbackArityMismatch = errors.New("lifecycle callback arity mismatch")

	// ErrProtocolError covers malformed or unexpected broker<->client frames.
	ErrProtocolError = errors.New("broker protocol error")

	// ErrBrokerShuttingDown names the broker-is-shutting-down condition. The
	// broker itself does not return it: on shutdown it answers waiting
	// clients with a NoJob envelope.
	ErrBrokerShuttingDown = errors.New("broker is shutting down")

	// ErrStrandRequired is returned by CreateSingleton when the job has no
	// strand set — a singleton is meaningless without one.
	ErrStrandRequired = errors.New("singleton job requires a non-empty strand")

	// ErrDuplicateJob is TranslatePgError's mapping of Postgres's
	// unique_violation (23505) — a caller tried to insert a job id that
	// already exists in delayed_jobs or failed_jobs.
	ErrDuplicateJob = errors.New("job with this id already exists")
)

// TranslatePgError maps a raw Postgres error surfaced through pgx into one
// of this package's sentinels, the way the teacher's
// internal/data/aggregates.MapError switches on pgconn.PgError.Code:
// unique_violation becomes ErrDuplicateJob, a logical rejection the caller
// should not retry as-is. Serialization failures, deadlocks, and lock
// timeouts (40001/40P01/55P03) are left wrapping the original *pgconn.PgError
// unchanged so Transient's default case — true — still applies; unlike
// ErrDuplicateJob, retrying those verbatim is exactly the right caller
// response. Errors that aren't a *pgconn.PgError (or don't wrap one) pass
// through unchanged.
func TranslatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", ErrDuplicateJob, pgErr.Message)
	}
	return err
}

// Transient reports whether err represents a retryable store failure rather
// than a logical rejection (contention, validation, programmer error).
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLockContention),
		errors.Is(err, ErrStrandConcurrencyConflict),
		errors.Is(err, ErrJobPermanentFailure),
		errors.Is(err, ErrUnknownLifecycleEvent),
		errors.Is(err, ErrCallbackArityMismatch),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrStrandRequired),
		errors.Is(err, ErrDuplicateJob):
		return false
	default:
		return true
	}
}
