package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(client, 2, time.Minute)
	ctx := context.Background()
	key := "ratelimit:join:user:7"

	for n := int64(1); n <= 3; n++ {
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(n)
		mock.ExpectExpireNX(key, time.Minute).SetVal(n == 1)
		mock.ExpectTxPipelineExec()
	}

	for i, want := range []bool{true, true, false} {
		ok, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "request %d", i+1)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(client, 2, time.Minute)

	mock.ExpectTxPipeline()
	mock.ExpectIncr("k").SetErr(errors.New("connection refused"))

	ok, err := limiter.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Disabled(t *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(client, 0, time.Minute)

	ok, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
