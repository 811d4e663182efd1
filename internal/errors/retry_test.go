package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	final := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls == 3 {
			return final
		}
		return errors.New("earlier failure")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, final)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func(context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_Exponential(t *testing.T) {
	config := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.normalized()

	assert.Equal(t, 100*time.Millisecond, backoff(0, config))
	assert.Equal(t, 200*time.Millisecond, backoff(1, config))
	assert.Equal(t, 400*time.Millisecond, backoff(2, config))
	assert.Equal(t, time.Second, backoff(5, config), "capped at MaxDelay")
}

func TestFallback_PrimaryWins(t *testing.T) {
	v, err := Fallback(
		func() (string, error) { return "primary", nil },
		func() (string, error) { return "backup", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "primary", v)
}

func TestFallback_BackupOnPrimaryFailure(t *testing.T) {
	v, err := Fallback(
		func() (string, error) { return "", errors.New("down") },
		func() (string, error) { return "backup", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "backup", v)
}

func TestFallback_BothFail_BackupErrorWins(t *testing.T) {
	backupErr := errors.New("backup down")
	_, err := Fallback(
		func() (int, error) { return 0, errors.New("primary down") },
		func() (int, error) { return 0, backupErr },
	)
	assert.ErrorIs(t, err, backupErr)
}

func TestGracefulDegrade(t *testing.T) {
	got := GracefulDegrade(func() (int, error) { return 42, nil }, -1)
	assert.Equal(t, 42, got)

	got = GracefulDegrade(func() (int, error) { return 0, errors.New("nope") }, -1)
	assert.Equal(t, -1, got)
}
