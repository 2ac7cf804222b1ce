package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/worker"
)

const (
	testOrigin = "https://app.truvista.in"
	imageStore = "truvista-image-cache-v1"
)

type fixture struct {
	worker     *worker.Worker
	storage    cache.Storage
	classifier *classify.Classifier

	mu   sync.Mutex
	hits map[string]int
}

func (f *fixture) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.worker.Flush(ctx))
}

func (f *fixture) controller(t *testing.T, port Port) *Controller {
	t.Helper()
	c, err := New(Options{
		Port:       port,
		Storage:    f.storage,
		ImageStore: imageStore,
		Classifier: f.classifier,
	})
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, activate bool) *fixture {
	t.Helper()
	f := &fixture{hits: make(map[string]int)}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = fmt.Fprint(w, "0123456789")
	}))
	t.Cleanup(origin.Close)

	upstream, err := url.Parse(origin.URL)
	require.NoError(t, err)
	f.classifier, err = classify.New(testOrigin, nil, nil)
	require.NoError(t, err)
	f.storage = cache.NewMemoryStorage()

	f.worker, err = worker.New(worker.Options{
		Logger:     logging.NewDiscardLogger(),
		Storage:    f.storage,
		Client:     origin.Client(),
		Classifier: f.classifier,
		Upstream:   upstream,
		Names:      worker.Names{Assets: "truvista-cache-v1", Images: imageStore},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if activate {
		require.NoError(t, f.worker.Install(context.Background()))
		require.NoError(t, f.worker.Activate(context.Background()))
	}
	return f
}

func image(i int) string {
	return fmt.Sprintf("%s/property-images/%d.jpg", testOrigin, i)
}

func TestPreloadImagesFetchesOnce(t *testing.T) {
	f := newFixture(t, true)
	c := f.controller(t, LocalPort{Worker: f.worker})
	ctx := context.Background()

	c.PreloadImages(ctx, []string{image(1), image(2)})
	f.flush(t)
	c.PreloadImages(ctx, []string{image(1)})
	f.flush(t)

	assert.Equal(t, 1, f.count("/property-images/1.jpg"))
	assert.Equal(t, 1, f.count("/property-images/2.jpg"))
	assert.True(t, c.IsImageCached(ctx, image(1)))
	assert.True(t, c.IsImageCached(ctx, "/property-images/2.jpg"), "relative urls resolve against the origin")
	assert.False(t, c.IsImageCached(ctx, image(3)))
}

func TestGetCacheStatsSkipsOpaqueSizes(t *testing.T) {
	f := newFixture(t, true)
	c := f.controller(t, LocalPort{Worker: f.worker})
	ctx := context.Background()

	stats, err := c.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats, "missing image store reports zero")

	store, err := f.storage.Open(ctx, imageStore)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, image(1), &cache.Response{
		URL: image(1), Type: cache.ResponseBasic, Status: http.StatusOK, Body: []byte("0123456789"),
	}))
	require.NoError(t, store.Put(ctx, "https://bucket.s3.amazonaws.com/a.jpg", &cache.Response{
		URL: "https://bucket.s3.amazonaws.com/a.jpg", Type: cache.ResponseOpaque, Body: []byte("opaque-bytes"),
	}))

	stats, err = c.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Count: 2, Size: 10}, stats)
}

func TestClearImageCache(t *testing.T) {
	f := newFixture(t, true)
	c := f.controller(t, LocalPort{Worker: f.worker})
	ctx := context.Background()

	c.PreloadImages(ctx, []string{image(1), image(2)})
	f.flush(t)

	assert.True(t, c.ClearImageCache(ctx))
	stats, err := c.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}

func TestLoadCachedImage(t *testing.T) {
	f := newFixture(t, true)
	c := f.controller(t, LocalPort{Worker: f.worker})
	ctx := context.Background()

	got, err := c.LoadCachedImage(ctx, image(1), false)
	require.NoError(t, err)
	assert.Equal(t, image(1), got)
	assert.True(t, c.IsImageCached(ctx, image(1)), "awaited load stores the image")

	got, err = c.LoadCachedImage(ctx, image(1), false)
	require.NoError(t, err)
	assert.Equal(t, image(1), got)
	assert.Equal(t, 1, f.count("/property-images/1.jpg"))

	got, err = c.LoadCachedImage(ctx, image(2), true)
	require.NoError(t, err)
	assert.Equal(t, image(2), got)
	f.flush(t)
	assert.True(t, c.IsImageCached(ctx, image(2)))
}

func TestWithoutActiveWorkerDegradesToRawURL(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for name, c := range map[string]*Controller{
		"no port":       f.controller(t, nil),
		"not activated": f.controller(t, LocalPort{Worker: f.worker}),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := c.LoadCachedImage(ctx, image(7), false)
			require.NoError(t, err)
			assert.Equal(t, image(7), got)
			assert.False(t, c.ClearImageCache(ctx))
			c.PreloadImages(ctx, []string{image(7)})
		})
	}
	f.flush(t)

	assert.Equal(t, 0, f.count("/property-images/7.jpg"))
	exists, err := f.storage.Has(ctx, imageStore)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewValidatesOptions(t *testing.T) {
	classifier, err := classify.New(testOrigin, nil, nil)
	require.NoError(t, err)

	_, err = New(Options{ImageStore: imageStore, Classifier: classifier})
	assert.Error(t, err)
	_, err = New(Options{Storage: cache.NewMemoryStorage(), Classifier: classifier})
	assert.Error(t, err)
	_, err = New(Options{Storage: cache.NewMemoryStorage(), ImageStore: imageStore})
	assert.Error(t, err)
}
