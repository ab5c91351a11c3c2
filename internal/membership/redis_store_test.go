package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"stand-queue/internal/status"
	"stand-queue/utils"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedisStore(opts ...Option) (*RedisStore, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisStore(db, opts...), mock
}

func TestKey(t *testing.T) {
	assert.Equal(t, "queue:waiting:42", Key(42))
}

func TestRedisStore_Join_Appends(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(joinScript, []string{"queue:waiting:1"}, "7").SetVal([]interface{}{int64(3), int64(1)})

	res, err := store.Join(context.Background(), 1, 7)

	require.NoError(t, err)
	assert.Equal(t, JoinResult{Position: 3, Added: true}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Join_AlreadyPresent(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(joinScript, []string{"queue:waiting:1"}, "7").SetVal([]interface{}{int64(2), int64(0)})

	res, err := store.Join(context.Background(), 1, 7)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)
	assert.False(t, res.Added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Join_Unavailable(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(joinScript, []string{"queue:waiting:1"}, "7").SetErr(errors.New("connection refused"))

	_, err := store.Join(context.Background(), 1, 7)

	assert.ErrorIs(t, err, status.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Leave(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectLRem("queue:waiting:1", 1, "7").SetVal(1)
	mock.ExpectLRem("queue:waiting:1", 1, "8").SetVal(0)

	removed, err := store.Leave(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Leave(context.Background(), 1, 8)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_PositionOf(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectLPos("queue:waiting:1", "7", redis.LPosArgs{}).SetVal(2)
	mock.ExpectLPos("queue:waiting:1", "9", redis.LPosArgs{}).RedisNil()

	pos, ok, err := store.PositionOf(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, pos)

	pos, ok, err = store.PositionOf(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, pos)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_PopFront(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectLPop("queue:waiting:1").SetVal("7")
	mock.ExpectLPop("queue:waiting:1").RedisNil()

	id, ok, err := store.PopFront(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok, err = store.PopFront(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok, "empty line is not an error")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_PopFront_MalformedMember(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectLPop("queue:waiting:1").SetVal("user-7")

	_, _, err := store.PopFront(context.Background(), 1)

	assert.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrStoreUnavailable)
}

func TestRedisStore_PushFrontAndList(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectLPush("queue:waiting:1", "7").SetVal(3)
	mock.ExpectLRange("queue:waiting:1", 0, -1).SetVal([]string{"7", "8", "9"})
	mock.ExpectLLen("queue:waiting:1").SetVal(3)

	require.NoError(t, store.PushFront(context.Background(), 1, 7))

	ids, err := store.List(context.Background(), 1, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, 9}, ids)

	n, err := store.Len(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Replace(t *testing.T) {
	store, mock := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectTxPipeline()
	mock.ExpectDel("queue:waiting:1").SetVal(1)
	mock.ExpectRPush("queue:waiting:1", "4", "5").SetVal(2)
	mock.ExpectTxPipelineExec()

	err := store.Replace(context.Background(), 1, []int64{4, 5})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_BreakerOpensAfterFailures(t *testing.T) {
	cb := utils.NewCircuitBreakerWithSettings("fast-store-test", utils.BreakerSettings{
		MaxRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})
	store, mock := setupTestRedisStore(WithBreaker(cb), WithCallTimeout(100*time.Millisecond))
	defer mock.ClearExpect()

	mock.ExpectLLen("queue:waiting:1").SetErr(errors.New("i/o timeout"))
	mock.ExpectLLen("queue:waiting:1").SetErr(errors.New("i/o timeout"))

	for i := 0; i < 2; i++ {
		_, err := store.Len(context.Background(), 1)
		assert.ErrorIs(t, err, status.ErrStoreUnavailable)
	}
	assert.Equal(t, utils.StateOpen, cb.State())

	// Rejected by the breaker without reaching Redis.
	_, err := store.Len(context.Background(), 1)
	assert.ErrorIs(t, err, status.ErrStoreUnavailable)
	assert.ErrorIs(t, err, utils.ErrOpenState)

	assert.NoError(t, mock.ExpectationsWereMet())
}
