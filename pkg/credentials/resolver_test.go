package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestResolver(t *testing.T, vault Vault, clock *fakeClock, opts ...Option) *Resolver {
	t.Helper()

	cfg := Config{}
	require.NoError(t, cfg.Validate())

	opts = append([]Option{WithClock(clock.Now), WithRetryPolicy(fastRetry())}, opts...)

	return NewResolver(vault, cfg, logger.NewTestLogger(), opts...)
}

// countingVault blocks every fetch until release is closed.
type countingVault struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (v *countingVault) Fetch(ctx context.Context, _ string) (models.Credential, error) {
	v.calls.Add(1)
	v.once.Do(func() { close(v.started) })

	select {
	case <-v.release:
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	}

	return models.Credential{Username: "admin", Password: "s3cret"}, nil
}

func TestResolve_ConcurrentCallersShareOneFetch(t *testing.T) {
	vault := &countingVault{started: make(chan struct{}), release: make(chan struct{})}
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	const callers = 5

	results := make([]models.Credential, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup

	for i := range callers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = r.Resolve(context.Background(), "gw1")
		}(i)
	}

	<-vault.started
	time.Sleep(20 * time.Millisecond)
	close(vault.release)
	wg.Wait()

	assert.Equal(t, int32(1), vault.calls.Load())

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}

	assert.Equal(t, "admin", results[0].Username)
	assert.Equal(t, models.CredentialSourceVault, results[0].Source)
}

func TestResolve_CachesUntilTTLExpires(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	clock := newFakeClock()
	r := newTestResolver(t, vault, clock)
	r.Register("gw1", "secret/gw1")

	vault.EXPECT().Fetch(gomock.Any(), "secret/gw1").
		Return(models.Credential{Username: "u", Password: "p"}, nil).
		Times(2)

	_, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	_, err = r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.True(t, r.Cached("gw1"))

	clock.Advance(2 * time.Minute)
	assert.False(t, r.Cached("gw1"))

	_, err = r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
}

func TestResolve_FatalErrorsAreNotRetried(t *testing.T) {
	for _, sentinel := range []error{ErrSecretNotFound, ErrDecryptionFailed} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			vault := NewMockVault(ctrl)
			r := newTestResolver(t, vault, newFakeClock())
			r.Register("gw1", "secret/gw1")

			vault.EXPECT().Fetch(gomock.Any(), "secret/gw1").
				Return(models.Credential{}, fmt.Errorf("wrapped: %w", sentinel)).
				Times(1)

			_, err := r.Resolve(context.Background(), "gw1")
			require.ErrorIs(t, err, sentinel)
			assert.True(t, IsFatal(err))
			assert.False(t, r.Cached("gw1"))
		})
	}
}

func TestResolve_RetriesVaultUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	gomock.InOrder(
		vault.EXPECT().Fetch(gomock.Any(), "secret/gw1").Return(models.Credential{}, ErrVaultUnavailable).Times(2),
		vault.EXPECT().Fetch(gomock.Any(), "secret/gw1").Return(models.Credential{Username: "u"}, nil),
	)

	cred, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "u", cred.Username)
}

func TestResolve_VaultUnavailableAfterExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{}, ErrVaultUnavailable).Times(3)

	_, err := r.Resolve(context.Background(), "gw1")
	require.ErrorIs(t, err, ErrVaultUnavailable)
	assert.False(t, IsFatal(err))
}

func TestResolve_UnknownErrorsSurfaceAsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	boom := errors.New("boom")
	vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{}, boom).Times(1)

	_, err := r.Resolve(context.Background(), "gw1")
	require.ErrorIs(t, err, ErrVaultUnavailable)
	require.ErrorIs(t, err, boom)
}

func TestResolve_UnregisteredAndEmptyReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestResolver(t, NewMockVault(ctrl), newFakeClock())

	_, err := r.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSecretNotFound)

	r.Register("open", "")
	cred, err := r.Resolve(context.Background(), "open")
	require.NoError(t, err)
	assert.True(t, cred.IsZero())
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	gomock.InOrder(
		vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{Password: "old"}, nil),
		vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{Password: "new"}, nil),
	)

	cred, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "old", cred.Password)

	r.Invalidate("gw1")
	assert.False(t, r.Cached("gw1"))

	cred, err = r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Password)
}

func TestInvalidate_DuringFetchDoesNotCacheResult(t *testing.T) {
	vault := &countingVault{started: make(chan struct{}), release: make(chan struct{})}
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/gw1")

	done := make(chan error, 1)

	go func() {
		_, err := r.Resolve(context.Background(), "gw1")
		done <- err
	}()

	<-vault.started
	r.Invalidate("gw1")
	close(vault.release)
	require.NoError(t, <-done)

	assert.False(t, r.Cached("gw1"), "credential fetched before invalidation must not be cached")
	assert.Equal(t, int32(1), vault.calls.Load())

	_, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), vault.calls.Load())
}

func TestRegister_ChangedReferenceDuringFetchDoesNotCacheResult(t *testing.T) {
	vault := &countingVault{started: make(chan struct{}), release: make(chan struct{})}
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/a")

	done := make(chan error, 1)

	go func() {
		_, err := r.Resolve(context.Background(), "gw1")
		done <- err
	}()

	<-vault.started
	r.Register("gw1", "secret/b")
	r.Register("gw1", "secret/a")
	close(vault.release)
	require.NoError(t, <-done)

	assert.False(t, r.Cached("gw1"))
}

func TestRegister_ChangedReferenceDropsCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	r := newTestResolver(t, vault, newFakeClock())
	r.Register("gw1", "secret/a")

	vault.EXPECT().Fetch(gomock.Any(), "secret/a").Return(models.Credential{Username: "a"}, nil)
	vault.EXPECT().Fetch(gomock.Any(), "secret/b").Return(models.Credential{Username: "b"}, nil)

	_, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)

	r.Register("gw1", "secret/a")
	assert.True(t, r.Cached("gw1"))

	r.Register("gw1", "secret/b")
	assert.False(t, r.Cached("gw1"))

	cred, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Username)
}

func TestOverride_TakesPrecedenceUntilExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	clock := newFakeClock()
	r := newTestResolver(t, vault, clock)
	r.Register("gw1", "secret/gw1")

	r.SetOverride("gw1", models.Credential{Username: "temp", Password: "x"}, time.Minute)

	cred, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "temp", cred.Username)
	assert.Equal(t, models.CredentialSourceOverride, cred.Source)

	clock.Advance(2 * time.Minute)
	vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{Username: "vault"}, nil)

	cred, err = r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	assert.Equal(t, "vault", cred.Username)
}

func TestPurge_DropsExpiredEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	clock := newFakeClock()
	r := newTestResolver(t, vault, clock)
	r.Register("gw1", "secret/gw1")
	r.Register("gw2", "secret/gw2")

	vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{Username: "u"}, nil).Times(2)

	_, err := r.Resolve(context.Background(), "gw1")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "gw2")
	require.NoError(t, err)

	r.SetOverride("gw3", models.Credential{Username: "o"}, time.Minute)

	assert.Equal(t, 0, r.Purge())

	clock.Advance(time.Hour)
	assert.Equal(t, 3, r.Purge())
	assert.False(t, r.Cached("gw1"))
	assert.False(t, r.Cached("gw2"))
}

func TestResolve_RecordsMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	vault := NewMockVault(ctrl)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	r := newTestResolver(t, vault, newFakeClock(), WithMeterProvider(mp))
	r.Register("gw1", "secret/gw1")

	vault.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(models.Credential{Username: "u"}, nil)

	for range 3 {
		_, err := r.Resolve(context.Background(), "gw1")
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["fleetradar_credential_fetches_total"])
	assert.Equal(t, int64(2), sums["fleetradar_credential_cache_hits_total"])
}
