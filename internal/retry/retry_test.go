package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast(5), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUp(t *testing.T) {
	cause := errors.New("no such device")
	attempts := 0
	err := Do(context.Background(), fast(3), func() error {
		attempts++
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cause := errors.New("bad credentials")
	attempts := 0
	err := Do(context.Background(), fast(5), func() error {
		attempts++
		return NonRetryable(cause)
	})
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, NonRetryable(nil))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func() error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDoRejectsInvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{Multiplier: -1}, func() error { return nil })
	assert.Error(t, err)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg, err := fast(1).normalize()
	require.NoError(t, err)
	d := cfg.InitialDelay
	for i := 0; i < 10; i++ {
		d = cfg.next(d)
	}
	assert.Equal(t, cfg.MaxDelay, d)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fast(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("busy")
		}
		return "HmIP-RFUSB", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HmIP-RFUSB", v)
}
