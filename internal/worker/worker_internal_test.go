package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 9*time.Second, retryDelay(3))
	assert.Equal(t, 1*time.Hour, retryDelay(1000), "backoff must not grow unbounded")
}
