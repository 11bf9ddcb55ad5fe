package messenger

import (
	"testing"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	a, _ := newTestEngine(t, ctrl, newMemStore(), Config{})
	b, _ := newTestEngine(t, ctrl, newMemStore(), Config{})

	r := NewRegistry()
	require.NoError(t, r.Add(2, a))
	require.NoError(t, r.Add(1, b))
	assert.ErrorIs(t, r.Add(2, b), errs.ErrAccountExists)

	got, ok := r.Get(2)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []AccountID{1, 2}, r.Accounts())

	assert.True(t, r.Remove(2))
	assert.False(t, r.Remove(2))
	select {
	case <-a.Done():
	default:
		t.Fatal("removed engine was not stopped")
	}

	_, ok = r.Get(2)
	assert.False(t, ok)
	b.Close()
}
