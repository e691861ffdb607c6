package cachemanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCacheManager[K comparable, V any] struct {
	mock.Mock
}

func newMockCacheManager[K comparable, V any](t *testing.T) *MockCacheManager[K, V] {
	m := &MockCacheManager[K, V]{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockCacheManager[K, V]) Get(ctx context.Context, key K) (V, bool) {
	args := m.Called(ctx, key)
	return args.Get(0).(V), args.Bool(1)
}

func (m *MockCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(V), args.Bool(1)
}

func (m *MockCacheManager[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

// pairInput is what a merge memo computes from: the ids of both sides.
type pairInput struct {
	A, B uint64
}

func mergeOf(_ context.Context, in pairInput) (*mergedSet, error) {
	return &mergedSet{ID: in.A*100 + in.B}, nil
}

func TestReadThroughCache_Hit(t *testing.T) {
	cached := &mergedSet{ID: 7, Keys: []string{"os"}}
	managerMock := newMockCacheManager[string, *mergedSet](t)
	managerMock.On("GetWithRefresh", mock.Anything, "e:1+2", time.Minute).Return(cached, true)

	memo := NewReadThroughCache[string, *mergedSet, pairInput](managerMock,
		func(context.Context, pairInput) (*mergedSet, error) {
			t.Error("computed despite a cached value")
			return nil, nil
		})

	got, err := memo.GetWithRefresh(context.Background(), "e:1+2", pairInput{A: 1, B: 2}, time.Minute)
	require.NoError(t, err)
	require.Same(t, cached, got)
	managerMock.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_MissComputesAndStores(t *testing.T) {
	managerMock := newMockCacheManager[string, *mergedSet](t)
	managerMock.On("GetWithRefresh", mock.Anything, "e:1+2", time.Minute).Return((*mergedSet)(nil), false)
	managerMock.On("Set", mock.Anything, "e:1+2", &mergedSet{ID: 102}, time.Minute).Return()

	memo := NewReadThroughCache[string, *mergedSet, pairInput](managerMock, mergeOf)

	got, err := memo.GetWithRefresh(context.Background(), "e:1+2", pairInput{A: 1, B: 2}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(102), got.ID)
}

func TestReadThroughCache_ErrorIsNotCached(t *testing.T) {
	managerMock := newMockCacheManager[string, *mergedSet](t)
	managerMock.On("GetWithRefresh", mock.Anything, "e:1+2", mock.Anything).Return((*mergedSet)(nil), false)

	boom := errors.New("merge failed")
	memo := NewReadThroughCache[string, *mergedSet, pairInput](managerMock,
		func(context.Context, pairInput) (*mergedSet, error) {
			return nil, boom
		})

	_, err := memo.GetWithRefresh(context.Background(), "e:1+2", pairInput{A: 1, B: 2}, time.Minute)
	require.ErrorIs(t, err, boom)
	managerMock.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_WithInMemoryManager(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	memo := NewReadThroughCache[mergeKey, *mergedSet, pairInput](
		NewInMemoryCacheManager[mergeKey, *mergedSet]("merge", DefaultExpiration, DefaultCleanupInterval),
		func(ctx context.Context, in pairInput) (*mergedSet, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return mergeOf(ctx, in)
		},
	)

	first, err := memo.GetWithRefresh(context.Background(), "e:3+4", pairInput{A: 3, B: 4}, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := memo.GetWithRefresh(context.Background(), "e:3+4", pairInput{A: 3, B: 4}, time.Minute)
		require.NoError(t, err)
		require.Same(t, first, got)
	}

	other, err := memo.GetWithRefresh(context.Background(), "e:4+3", pairInput{A: 4, B: 3}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(403), other.ID, "merge order is part of the key")
	require.Equal(t, 2, calls)
}
