package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimEvictsOldestEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "truvista-image-cache-v1")
		require.NoError(t, err)

		urls := make([]string, 0, 105)
		for i := 1; i <= 105; i++ {
			url := fmt.Sprintf("https://app.truvista.in/property-images/%d.jpg", i)
			urls = append(urls, url)
			require.NoError(t, store.Put(ctx, url, imageResponse(url, "img")))
		}

		evicted, err := Trim(ctx, storage, "truvista-image-cache-v1", 100)
		require.NoError(t, err)
		assert.Equal(t, 5, evicted)

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 100)
		assert.Equal(t, urls[5:], keys)
		for _, url := range urls[:5] {
			_, err := store.Match(ctx, url)
			assert.ErrorIs(t, err, ErrNotFound, "%s should be evicted", url)
		}
	})
}

func TestTrimBelowCapacityIsNoop(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ctx := context.Background()
			storage := NewMemoryStorage()
			store, err := storage.Open(ctx, "truvista-image-cache-v1")
			require.NoError(t, err)
			for i := 0; i < n; i++ {
				key := fmt.Sprintf("/media/%d.png", i)
				require.NoError(t, store.Put(ctx, key, imageResponse(key, "x")))
			}

			evicted, err := Trim(ctx, storage, "truvista-image-cache-v1", 100)
			require.NoError(t, err)
			assert.Zero(t, evicted)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Len(t, keys, n)
		})
	}
}

func TestTrimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	store, err := storage.Open(ctx, "truvista-image-cache-v1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("/media/%d.png", i)
		require.NoError(t, store.Put(ctx, key, imageResponse(key, "x")))
	}

	evicted, err := Trim(ctx, storage, "truvista-image-cache-v1", 4)
	require.NoError(t, err)
	assert.Equal(t, 6, evicted)

	evicted, err = Trim(ctx, storage, "truvista-image-cache-v1", 4)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestTrimToleratesConcurrentCalls(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "truvista-image-cache-v1")
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("/media/%02d.png", i)
			require.NoError(t, store.Put(ctx, key, imageResponse(key, "x")))
		}

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := Trim(ctx, storage, "truvista-image-cache-v1", 10); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent trim failed: %v", err)
		}

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 10)
		assert.Equal(t, "/media/20.png", keys[0])
	})
}

// flakyStore 对指定 key 的删除返回错误，用来验证单个失败不影响其余删除。
type flakyStore struct {
	Store
	failKeys map[string]bool
}

func (f *flakyStore) Delete(ctx context.Context, key string) (bool, error) {
	if f.failKeys[key] {
		return false, errors.New("quota exceeded")
	}
	return f.Store.Delete(ctx, key)
}

type flakyStorage struct {
	Storage
	failKeys map[string]bool
}

func (f *flakyStorage) Open(ctx context.Context, name string) (Store, error) {
	store, err := f.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: store, failKeys: f.failKeys}, nil
}

func TestTrimContinuesAfterDeleteFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStorage()
	store, err := inner.Open(ctx, "truvista-image-cache-v1")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("/media/%d.png", i)
		require.NoError(t, store.Put(ctx, key, imageResponse(key, "x")))
	}

	storage := &flakyStorage{Storage: inner, failKeys: map[string]bool{"/media/1.png": true}}
	evicted, err := Trim(ctx, storage, "truvista-image-cache-v1", 3)
	require.Error(t, err)
	assert.Equal(t, 2, evicted)

	failures := KeyErrors(err)
	require.Len(t, failures, 1)
	assert.Equal(t, "/media/1.png", failures[0].Key)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/media/1.png", "/media/3.png", "/media/4.png", "/media/5.png"}, keys)
}

func TestKeyErrorsNil(t *testing.T) {
	assert.Nil(t, KeyErrors(nil))
}
