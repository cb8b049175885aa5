// Package db bootstraps the Postgres connection the Job Store runs on,
// following the teacher's internal/data/db/postgres.go: env-var DSN
// assembly, a gorm logger tuned for slow-query warnings, then
// AutoMigrate.
package db

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/store"
	"github.com/yungbote/jobqueue/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresService connects using JOBQUEUE_POSTGRES_* environment
// variables and runs the store's migrations (tables, indexes, strand
// trigger functions) before returning.
func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := utils.GetEnv("JOBQUEUE_POSTGRES_HOST", "localhost", log)
	port := utils.GetEnv("JOBQUEUE_POSTGRES_PORT", "5432", log)
	user := utils.GetEnv("JOBQUEUE_POSTGRES_USER", "postgres", log)
	password := utils.GetEnv("JOBQUEUE_POSTGRES_PASSWORD", "", log)
	name := utils.GetEnv("JOBQUEUE_POSTGRES_NAME", "jobqueue", log)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := store.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }
