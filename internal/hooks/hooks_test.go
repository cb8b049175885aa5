package hooks_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
	"github.com/yungbote/jobqueue/internal/hooks"
)

func TestFireOrdersBeforeAroundAfter(t *testing.T) {
	r := hooks.NewRegistry()
	var order []string

	require.NoError(t, r.Before(hooks.EventPerform, func(args ...any) error {
		order = append(order, "before")
		return nil
	}))
	require.NoError(t, r.Around(hooks.EventPerform, func(args []any, next func() error) error {
		order = append(order, "around-in")
		err := next()
		order = append(order, "around-out")
		return err
	}))
	require.NoError(t, r.After(hooks.EventPerform, func(args ...any) error {
		order = append(order, "after")
		return nil
	}))

	err := r.Fire(hooks.EventPerform, func() error {
		order = append(order, "action")
		return nil
	}, "worker-1", "job")
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "around-in", "action", "around-out", "after"}, order)
}

func TestFireRejectsUnknownEvent(t *testing.T) {
	r := hooks.NewRegistry()
	err := r.Fire("not_a_real_event", func() error { return nil })
	assert.ErrorIs(t, err, jqerrors.ErrUnknownLifecycleEvent)
}

func TestFireRejectsArityMismatch(t *testing.T) {
	r := hooks.NewRegistry()
	err := r.Fire(hooks.EventPerform, func() error { return nil }, "only-one-arg")
	assert.ErrorIs(t, err, jqerrors.ErrCallbackArityMismatch)
}

func TestAroundShortCircuitsOnError(t *testing.T) {
	r := hooks.NewRegistry()
	boom := errors.New("boom")
	ran := false

	require.NoError(t, r.Around(hooks.EventPop, func(args []any, next func() error) error {
		return boom
	}))
	require.NoError(t, r.After(hooks.EventPop, func(args ...any) error {
		ran = true
		return nil
	}))

	err := r.Fire(hooks.EventPop, func() error { return nil }, "worker-1")
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "after callbacks must not run once the around chain fails")
}
