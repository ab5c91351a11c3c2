package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stand-queue/internal/status"
	"stand-queue/monitoring"
	"stand-queue/utils"

	"github.com/redis/go-redis/v9"
)

// joinScript appends ARGV[1] unless already present. Returns {position, added}.
const joinScript = `
local pos = redis.call('LPOS', KEYS[1], ARGV[1])
if pos then
	return {pos + 1, 0}
end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
return {n, 1}
`

const defaultCallTimeout = 500 * time.Millisecond

type RedisStore struct {
	client  redis.Cmdable
	timeout time.Duration
	breaker *utils.CircuitBreaker
}

type Option func(*RedisStore)

// WithCallTimeout bounds every Redis round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithBreaker short-circuits calls while the breaker is open.
func WithBreaker(cb *utils.CircuitBreaker) Option {
	return func(s *RedisStore) {
		s.breaker = cb
	}
}

func NewRedisStore(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:  client,
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Join(ctx context.Context, queueID, participantID int64) (JoinResult, error) {
	var res JoinResult
	err := s.do(ctx, "join", func(ctx context.Context) error {
		vals, err := s.client.Eval(ctx, joinScript, []string{Key(queueID)}, member(participantID)).Int64Slice()
		if err != nil {
			return err
		}
		if len(vals) != 2 {
			return fmt.Errorf("unexpected join reply %v", vals)
		}
		res = JoinResult{Position: int(vals[0]), Added: vals[1] == 1}
		return nil
	})
	return res, err
}

func (s *RedisStore) Leave(ctx context.Context, queueID, participantID int64) (bool, error) {
	var removed int64
	err := s.do(ctx, "leave", func(ctx context.Context) error {
		var err error
		removed, err = s.client.LRem(ctx, Key(queueID), 1, member(participantID)).Result()
		return err
	})
	return removed > 0, err
}

func (s *RedisStore) PositionOf(ctx context.Context, queueID, participantID int64) (int, bool, error) {
	var idx int64
	found := true
	err := s.do(ctx, "position", func(ctx context.Context) error {
		var err error
		idx, err = s.client.LPos(ctx, Key(queueID), member(participantID), redis.LPosArgs{}).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return 0, false, err
	}
	return int(idx) + 1, true, nil
}

func (s *RedisStore) PopFront(ctx context.Context, queueID int64) (int64, bool, error) {
	var raw string
	found := true
	err := s.do(ctx, "pop", func(ctx context.Context) error {
		var err error
		raw, err = s.client.LPop(ctx, Key(queueID)).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return 0, false, err
	}
	id, err := parseMember(raw)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *RedisStore) PushFront(ctx context.Context, queueID, participantID int64) error {
	return s.do(ctx, "push_front", func(ctx context.Context) error {
		return s.client.LPush(ctx, Key(queueID), member(participantID)).Err()
	})
}

func (s *RedisStore) List(ctx context.Context, queueID int64, start, stop int64) ([]int64, error) {
	var raw []string
	err := s.do(ctx, "list", func(ctx context.Context) error {
		var err error
		raw, err = s.client.LRange(ctx, Key(queueID), start, stop).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		id, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) Len(ctx context.Context, queueID int64) (int64, error) {
	var n int64
	err := s.do(ctx, "len", func(ctx context.Context) error {
		var err error
		n, err = s.client.LLen(ctx, Key(queueID)).Result()
		return err
	})
	return n, err
}

func (s *RedisStore) Replace(ctx context.Context, queueID int64, participantIDs []int64) error {
	return s.do(ctx, "replace", func(ctx context.Context) error {
		key := Key(queueID)
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(participantIDs) > 0 {
				members := make([]any, len(participantIDs))
				for i, id := range participantIDs {
					members[i] = member(id)
				}
				pipe.RPush(ctx, key, members...)
			}
			return nil
		})
		return err
	})
}

// do runs fn under the call timeout and the breaker, and maps transport
// failures to status.ErrStoreUnavailable.
func (s *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	call := func() error { return fn(ctx) }

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(call, nil)
	} else {
		err = call()
	}

	outcome := "ok"
	if err != nil {
		outcome = "unavailable"
		err = fmt.Errorf("%w: %s: %w", status.ErrStoreUnavailable, op, err)
	}
	monitoring.ObserveStoreCall(op, outcome, time.Since(start))
	return err
}

func member(participantID int64) string {
	return strconv.FormatInt(participantID, 10)
}

func parseMember(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("membership: malformed member %q: %w", raw, err)
	}
	return id, nil
}
