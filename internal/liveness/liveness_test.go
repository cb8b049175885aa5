package liveness_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yungbote/jobqueue/internal/liveness"
)

func TestIsPrefetchIdentity(t *testing.T) {
	assert.True(t, liveness.IsPrefetchIdentity("prefetch:host-a"))
	assert.False(t, liveness.IsPrefetchIdentity("worker-123"))
	assert.False(t, liveness.IsPrefetchIdentity("on hold"))
}
