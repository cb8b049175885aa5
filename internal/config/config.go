// Package config holds the surface enumerated in the design's
// "Configuration surface" section. Loading a config *file* is out of scope
// (an external collaborator's job); this package only establishes defaults
// and reads environment overrides, the way internal/data/db.NewPostgresService
// reads POSTGRES_HOST et al. in the teacher repo.
package config

import (
	"time"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/utils"
)

// NumStrandsFunc maps an n-strand base name to a fan-out count. ok=false
// means "not an n-strand" and the name passes through unchanged.
type NumStrandsFunc func(name string) (n int, ok bool)

// DefaultJobOptionsFunc returns default attributes merged into every
// enqueue call that doesn't override them explicitly.
type DefaultJobOptionsFunc func() map[string]any

type Config struct {
	Queue       string
	MaxAttempts int

	SleepDelay        time.Duration
	SleepDelayStagger time.Duration
	FetchBatchSize    int

	SelectRandomFromBatch bool

	KillWorkersOnExit bool
	SlowExitTimeout   time.Duration

	WorkerHealthCheckType   string
	WorkerHealthCheckConfig map[string]string

	ServerAddress        string
	ServerSocketTimeout  time.Duration
	PrefetchedJobsTimeout time.Duration
	ClientConnectTimeout time.Duration

	NumStrands        NumStrandsFunc
	DefaultJobOptions DefaultJobOptionsFunc
}

// Default returns the configuration the spec's §6 lists as defaults,
// overridable by environment variables for the pieces that are plain
// scalars (the two callable hooks are left to the embedding application).
func Default(log *logger.Logger) *Config {
	return &Config{
		Queue:       utils.GetEnv("JOBQUEUE_QUEUE", "default", log),
		MaxAttempts: utils.GetEnvAsInt("JOBQUEUE_MAX_ATTEMPTS", 10, log),

		SleepDelay:        utils.GetEnvAsSeconds("JOBQUEUE_SLEEP_DELAY", 4*time.Second, log),
		SleepDelayStagger: utils.GetEnvAsSeconds("JOBQUEUE_SLEEP_DELAY_STAGGER", 2*time.Second, log),
		FetchBatchSize:    utils.GetEnvAsInt("JOBQUEUE_FETCH_BATCH_SIZE", 5, log),

		SelectRandomFromBatch: utils.GetEnvAsBool("JOBQUEUE_SELECT_RANDOM_FROM_BATCH", false, log),

		KillWorkersOnExit: utils.GetEnvAsBool("JOBQUEUE_KILL_WORKERS_ON_EXIT", false, log),
		SlowExitTimeout:   utils.GetEnvAsSeconds("JOBQUEUE_SLOW_EXIT_TIMEOUT", 10*time.Second, log),

		WorkerHealthCheckType: utils.GetEnv("JOBQUEUE_WORKER_HEALTH_CHECK_TYPE", "none", log),
		WorkerHealthCheckConfig: map[string]string{
			"address":  utils.GetEnv("JOBQUEUE_REDIS_ADDRESS", "127.0.0.1:6379", log),
			"password": utils.GetEnv("JOBQUEUE_REDIS_PASSWORD", "", log),
			"db":       utils.GetEnv("JOBQUEUE_REDIS_DB", "0", log),
		},

		ServerAddress:         utils.GetEnv("JOBQUEUE_SERVER_ADDRESS", "/tmp/inst-jobs.sock", log),
		ServerSocketTimeout:   utils.GetEnvAsSeconds("JOBQUEUE_SERVER_SOCKET_TIMEOUT", 10*time.Second, log),
		PrefetchedJobsTimeout: utils.GetEnvAsSeconds("JOBQUEUE_PREFETCHED_JOBS_TIMEOUT", 30*time.Second, log),
		ClientConnectTimeout:  utils.GetEnvAsSeconds("JOBQUEUE_CLIENT_CONNECT_TIMEOUT", 2*time.Second, log),

		NumStrands:        func(string) (int, bool) { return 0, false },
		DefaultJobOptions: func() map[string]any { return nil },
	}
}
