package messenger

import (
	"context"
	"testing"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_WorkLeftAtCancelIsDrainedInOrder(t *testing.T) {
	a := newActor()
	ctx, cancel := context.WithCancel(context.Background())

	var got []int
	a.post(func() {
		got = append(got, 1)
		cancel()
	})
	a.post(func() { got = append(got, 2) })

	a.run(ctx)
	assert.Equal(t, []int{1}, got)

	a.post(func() { got = append(got, 3) })
	a.drain()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestActor_DrainRunsWorkPostedWhileDraining(t *testing.T) {
	a := newActor()

	var got []string
	a.post(func() {
		got = append(got, "first")
		a.post(func() { got = append(got, "chained") })
	})
	a.drain()

	assert.Equal(t, []string{"first", "chained"}, got)
}

func TestActor_CallAfterStopSkipsWork(t *testing.T) {
	a := newActor()
	stop := make(chan struct{})
	close(stop)

	ran := false
	err := a.call(context.Background(), stop, func() { ran = true })
	require.ErrorIs(t, err, errs.ErrEngineStopped)

	a.drain()
	assert.False(t, ran)
}
