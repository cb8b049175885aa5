// Package liveness implements the pluggable "liveness oracle" §4.6 requires
// the Health Reaper to consult before reclaiming a lock: something external
// to the jobs table that can say whether the process named by locked_by is
// still alive. The Redis-backed Oracle here is grounded on the teacher's
// internal/clients/redis/sse_bus.go dial/ping/context pattern.
package liveness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
)

// Oracle answers "is this locked_by identity still alive?" Implementations
// must treat an unknown identity as dead (the Health Reaper's whole point
// is reclaiming locks nobody is renewing heartbeats for anymore).
type Oracle interface {
	Alive(ctx context.Context, identity string) (bool, error)
}

// Heartbeater is the write-side half of the same liveness contract: a
// worker process renews its own identity's key periodically so
// an Oracle reading it elsewhere reports it alive. Split from Oracle
// because a worker only ever heartbeats its own identity, never queries
// another's.
type Heartbeater interface {
	Heartbeat(ctx context.Context, identity string, ttl time.Duration) error
}

// RedisOracle tracks liveness via TTL'd keys named "worker:<identity>",
// written by each worker process's own heartbeat loop and read by
// the Health Reaper. Using key-expiry instead of a polled "last_seen"
// column matches the teacher's existing go-redis v9 client usage and
// avoids adding a second database round-trip to the reaper's hot path.
type RedisOracle struct {
	client *redis.Client
	log    *logger.Logger
	prefix string
}

// NewRedisOracle dials addr (e.g. "localhost:6379") and pings it once so
// configuration mistakes surface at startup rather than on the reaper's
// first sweep.
func NewRedisOracle(ctx context.Context, addr, password string, db int, log *logger.Logger) (*RedisOracle, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("liveness: redis ping: %w", err)
	}
	return &RedisOracle{client: client, log: log.With("component", "LivenessOracle"), prefix: "worker:"}, nil
}

// Heartbeat renews identity's liveness key for ttl. Called periodically by
// the worker that owns identity (its heartbeat goroutine) — NOT by the
// reaper. The broker does not heartbeat.
func (o *RedisOracle) Heartbeat(ctx context.Context, identity string, ttl time.Duration) error {
	return o.client.Set(ctx, o.prefix+identity, time.Now().Unix(), ttl).Err()
}

// Alive reports whether identity's heartbeat key is still present.
// Identities prefixed "prefetch:" (the broker's synthetic lock owner for
// not-yet-dispatched prefetched jobs, §4.4) are the broker's own liveness,
// not a worker's — callers handle that distinction before calling Alive;
// this method just answers the key-existence question asked of it.
func (o *RedisOracle) Alive(ctx context.Context, identity string) (bool, error) {
	n, err := o.client.Exists(ctx, o.prefix+identity).Result()
	if err != nil {
		return false, fmt.Errorf("liveness: exists %q: %w", identity, err)
	}
	return n == 1, nil
}

// IsPrefetchIdentity reports whether a locked_by value names a broker's
// prefetch bucket rather than a worker process (§4.4/§4.6: the reaper must
// not reap these via the worker liveness oracle — prefetch staleness is
// handled by the broker's own unlock_timed_out_prefetched_jobs sweep).
func IsPrefetchIdentity(lockedBy string) bool {
	return strings.HasPrefix(lockedBy, "prefetch:")
}

func (o *RedisOracle) Close() error {
	return o.client.Close()
}
