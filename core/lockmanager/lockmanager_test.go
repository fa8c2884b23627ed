package lockmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSharedLocksStack(t *testing.T) {
	m := NewTableManager(zaptest.NewLogger(t))

	a, err := m.Lock([]int64{1}, Shared)
	require.NoError(t, err)
	b, err := m.Lock([]int64{1}, Shared)
	require.NoError(t, err)

	require.Equal(t, []LockInfo{{DatasetID: 1, Type: Shared, Count: 2}}, m.LockInfo())

	_, err = m.Lock([]int64{1}, Exclusive)
	require.ErrorIs(t, err, ErrAlreadyLocked)

	a.Release()
	b.Release()
	require.Empty(t, m.LockInfo())

	c, err := m.Lock([]int64{1}, Exclusive)
	require.NoError(t, err)
	c.Release()
}

func TestExclusiveBlocksEverything(t *testing.T) {
	m := NewTableManager(zaptest.NewLogger(t))

	x, err := m.Lock([]int64{7}, Exclusive)
	require.NoError(t, err)

	_, err = m.Lock([]int64{7}, Shared)
	require.ErrorIs(t, err, ErrAlreadyLocked)
	_, err = m.Lock([]int64{7}, Exclusive)
	require.ErrorIs(t, err, ErrAlreadyLocked)

	x.Release()
	x.Release() // idempotent
	require.Empty(t, m.LockInfo())
}

func TestMultiDatasetLockIsAllOrNothing(t *testing.T) {
	m := NewTableManager(zaptest.NewLogger(t))

	held, err := m.Lock([]int64{2}, Exclusive)
	require.NoError(t, err)

	_, err = m.Lock([]int64{1, 2, 3}, Shared)
	require.ErrorIs(t, err, ErrAlreadyLocked)
	require.Equal(t, []LockInfo{{DatasetID: 2, Type: Exclusive, Count: 1}}, m.LockInfo())

	held.Release()
	l, err := m.Lock([]int64{1, 2, 2, 3}, Shared)
	require.NoError(t, err)
	require.Len(t, m.LockInfo(), 3)
	l.Release()
	require.Empty(t, m.LockInfo())
}
