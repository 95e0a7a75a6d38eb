package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetradar/pkg/models"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestWithRetry_SucceedsAfterTransientErrors(t *testing.T) {
	var calls atomic.Int32

	got, err := WithRetry(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errTransient
		}

		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetry_ReturnsLastErrorAfterExhaustion(t *testing.T) {
	var calls atomic.Int32

	_, err := WithRetry(context.Background(), fastPolicy(4), func(context.Context) (int, error) {
		calls.Add(1)

		return 0, errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, int32(4), calls.Load())
}

func TestWithRetry_DoesNotRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32

	_, err := WithRetry(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls.Add(1)

		return 0, errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetry_NilClassifierRetriesNothing(t *testing.T) {
	var calls atomic.Int32

	p := fastPolicy(3)
	p.Retryable = nil

	_, err := WithRetry(context.Background(), p, func(context.Context) (int, error) {
		calls.Add(1)

		return 0, errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := fastPolicy(5)
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	p.OnRetry = func(error, time.Duration) { cancel() }

	_, err := WithRetry(ctx, p, func(context.Context) (int, error) {
		return 0, errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errTransient)
}

func TestConfig_Policy(t *testing.T) {
	jitter := 0.0
	p := Config{MaxAttempts: 5, BaseDelay: models.Duration(2 * time.Second), Jitter: &jitter}.Policy(nil)

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Zero(t, p.Jitter)

	d := Config{}.Policy(nil)
	assert.Equal(t, DefaultMaxAttempts, d.MaxAttempts)
	assert.InDelta(t, DefaultJitter, d.Jitter, 0.0001)
}

func TestWithFailover_PriorityOrderAndFirstSuccess(t *testing.T) {
	group := []models.GatewayDescriptor{
		{ID: "gw-c", Priority: 2},
		{ID: "gw-b", Priority: 1},
		{ID: "gw-a", Priority: 1},
	}

	var tried []string

	got, servedBy, err := WithFailover(context.Background(), group, func(_ context.Context, gw *models.GatewayDescriptor) (string, error) {
		tried = append(tried, gw.ID)
		if gw.ID == "gw-b" {
			return "devices", nil
		}

		return "", errTransient
	})

	require.NoError(t, err)
	assert.Equal(t, "devices", got)
	assert.Equal(t, "gw-b", servedBy)
	assert.Equal(t, []string{"gw-a", "gw-b"}, tried)
	assert.Equal(t, "gw-c", group[0].ID, "input order is untouched")
}

func TestWithFailover_AggregatesFailures(t *testing.T) {
	group := []models.GatewayDescriptor{{ID: "gw1", Priority: 0}, {ID: "gw2", Priority: 1}}

	_, _, err := WithFailover(context.Background(), group, func(_ context.Context, gw *models.GatewayDescriptor) (int, error) {
		if gw.ID == "gw1" {
			return 0, errTransient
		}

		return 0, errFatal
	})

	var ferr *FailoverError
	require.ErrorAs(t, err, &ferr)
	require.Len(t, ferr.Attempts, 2)
	assert.Equal(t, "gw1", ferr.Attempts[0].GatewayID)
	assert.Equal(t, "gw2", ferr.Attempts[1].GatewayID)
	require.ErrorIs(t, err, errTransient)
	require.ErrorIs(t, err, errFatal)
	assert.Contains(t, err.Error(), "gw1: transient")
}

func TestWithFailover_EmptyGroup(t *testing.T) {
	_, _, err := WithFailover(context.Background(), nil, func(context.Context, *models.GatewayDescriptor) (int, error) {
		return 1, nil
	})

	require.ErrorIs(t, err, ErrEmptyGroup)
}

func TestWithFailover_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group := []models.GatewayDescriptor{{ID: "gw1"}, {ID: "gw2"}}

	var calls int

	_, _, err := WithFailover(ctx, group, func(context.Context, *models.GatewayDescriptor) (int, error) {
		calls++
		cancel()

		return 0, errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
