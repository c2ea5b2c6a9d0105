package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("request timeout"), true},
		{"rate limit text", errors.New("Too Many Requests"), true},
		{"binance rate limit code", errors.New("<APIError> code=-1003, msg=way too many requests"), true},
		{"binance recv window", errors.New("<APIError> code=-1021, msg=timestamp outside recvWindow"), true},
		{"insufficient margin", errors.New("<APIError> code=-2019, msg=margin is insufficient"), false},
		{"bad symbol", errors.New("invalid symbol"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryNonRetryableReturnsImmediately(t *testing.T) {
	attempts := 0
	wantErr := errors.New("invalid symbol")

	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhausted(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	// Initial attempt plus MaxRetries
	assert.Equal(t, 4, attempts)
}

func TestWithRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
