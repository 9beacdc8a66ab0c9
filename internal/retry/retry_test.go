package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoValue_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoValue_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoValue_FailFastOnPermanentError(t *testing.T) {
	calls := 0
	_, err := DoValue(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, errors.New("invalid symbol")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValue_ExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("503 service unavailable")
	_, err := DoValue(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls) // initial + 3 retries
}

func TestDoValue_ObserveSeesEveryAttempt(t *testing.T) {
	var outcomes []error
	p := fastPolicy()
	p.Observe = func(err error, elapsed time.Duration) {
		outcomes = append(outcomes, err)
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	}

	calls := 0
	_, err := DoValue(context.Background(), p, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Error(t, outcomes[0])
	assert.Error(t, outcomes[1])
	assert.NoError(t, outcomes[2])
}

func TestDoValue_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := DoValue(ctx, fastPolicy(), func() (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDo_CustomRetryable(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(err error) bool { return errors.Is(err, errProbe) }
	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		if calls == 1 {
			return errProbe
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

var errProbe = errors.New("probe")

func TestIsTransient_Patterns(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("HTTP 502 Bad Gateway")))
	assert.True(t, IsTransient(errors.New("rate limit exceeded")))
	assert.False(t, IsTransient(errors.New("unknown symbol FOO")))
	assert.False(t, IsTransient(nil))
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimit(errors.New("API rate limit reached")))
	assert.False(t, IsRateLimit(errors.New("500 internal server error")))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2}
	b0 := p.backoffFor(0)
	b3 := p.backoffFor(3)
	// Jitter adds at most 25%.
	assert.GreaterOrEqual(t, b0, time.Millisecond)
	assert.LessOrEqual(t, b0, time.Millisecond+time.Millisecond/4)
	assert.LessOrEqual(t, b3, 4*time.Millisecond+time.Millisecond)
}
