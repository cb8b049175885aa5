package broker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"github.com/yungbote/jobqueue/internal/store"
)

func TestToWireJobHandlesNilStrandAndMaxAttempts(t *testing.T) {
	job := &store.Job{
		ID:       uuid.New(),
		Priority: 2,
		Queue:    "default",
		Tag:      "t",
		Payload:  datatypes.JSON([]byte(`{"a":1}`)),
		RunAt:    time.Now(),
	}

	wire := toWireJob(job)
	assert.Equal(t, "", wire.Strand)
	assert.Equal(t, 0, wire.MaxAttempts)
	assert.Equal(t, job.ID, wire.ID)

	strand := "digest:9"
	maxAttempts := 4
	job.Strand = &strand
	job.MaxAttempts = &maxAttempts

	wire = toWireJob(job)
	assert.Equal(t, "digest:9", wire.Strand)
	assert.Equal(t, 4, wire.MaxAttempts)
}
