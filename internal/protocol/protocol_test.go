package protocol_test

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/jobqueue/internal/protocol"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := protocol.Envelope{
		Job: protocol.Job{
			ID:          uuid.New(),
			Priority:    3,
			Queue:       "default",
			Strand:      "digest:42",
			Attempts:    1,
			MaxAttempts: 5,
			Tag:         "SendDigestEmail",
			Source:      "enqueued by scheduler",
			Payload:     []byte(`{"user_id":7}`),
			RunAt:       time.Now().UTC().Truncate(time.Second),
		},
	}

	require.NoError(t, protocol.WriteFrame(&buf, want))

	var got protocol.Envelope
	require.NoError(t, protocol.ReadFrame(bufio.NewReader(&buf), &got))

	assert.Equal(t, want.Job.ID, got.Job.ID)
	assert.Equal(t, want.Job.Strand, got.Job.Strand)
	assert.Equal(t, want.Job.Payload, got.Job.Payload)
	assert.False(t, got.NoJob)
}

func TestRequestConfigKeyPartitionsByFetchCriteria(t *testing.T) {
	a := protocol.Request{Queue: "default", MinPriority: 0, MaxPriority: 10, PoolSize: 1}
	b := protocol.Request{Queue: "default", MinPriority: 0, MaxPriority: 20, PoolSize: 1}
	assert.NotEqual(t, a.ConfigKey(), b.ConfigKey())

	c := protocol.Request{Queue: "default", MinPriority: 0, MaxPriority: 10, PoolSize: 1}
	assert.Equal(t, a.ConfigKey(), c.ConfigKey())
}
