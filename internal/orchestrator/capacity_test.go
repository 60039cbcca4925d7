package orchestrator

import (
	"context"
	"testing"

	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCapacity(t *testing.T, c CapacityManager) {
	t.Helper()
	ctx := context.Background()

	ok, err := c.Reserve(ctx, 1, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一任务重复预留是幂等的
	ok, err = c.Reserve(ctx, 1, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Reserve(ctx, 2, 50)
	require.NoError(t, err)
	assert.False(t, ok, "client limit exceeded")

	ok, err = c.Reserve(ctx, 2, 40)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Reserve(ctx, 3, 0)
	require.NoError(t, err)
	assert.False(t, ok, "task limit exceeded")

	tasks, clients, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 100, clients)

	require.NoError(t, c.Release(ctx, 1))
	require.NoError(t, c.Release(ctx, 1))
	tasks, clients, err = c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks)
	assert.Equal(t, 40, clients)
}

func TestLocalCapacity(t *testing.T) {
	testCapacity(t, NewLocalCapacity(2, 100))
}

func TestSharedCapacity(t *testing.T) {
	testCapacity(t, NewSharedCapacity(newRedisStore(t), 2, 100))
}

func TestAdmissionQueue(t *testing.T) {
	q := newAdmissionQueue(2)

	dup, err := q.push(1)
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = q.push(1)
	require.NoError(t, err)
	assert.True(t, dup)

	_, err = q.push(2)
	require.NoError(t, err)
	_, err = q.push(3)
	assert.ErrorIs(t, err, domain.ErrAdmissionQueueFull)
	assert.ErrorIs(t, err, domain.ErrCapacity)

	id, ok := q.peek()
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 2, q.len())

	assert.True(t, q.remove(1))
	assert.False(t, q.remove(1))
	assert.False(t, q.contains(1))
	id, _ = q.peek()
	assert.Equal(t, int64(2), id)
}
