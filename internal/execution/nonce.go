package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	xerrors "mechx/internal/errors"
)

// NonceSource fetches the authoritative next nonce from the network.
type NonceSource func(ctx context.Context) (uint64, error)

// Allocator hands out nonces for a key (an account, or an account on a
// marketplace). Only the first reservation for a key consults the network;
// later reservations continue from the local counter.
type Allocator interface {
	// Reserve returns the first of n consecutive nonces.
	Reserve(ctx context.Context, key string, n uint64, fetch NonceSource) (uint64, error)
	// Release returns a reservation that was never used on chain. The latest
	// reservation is rolled back; an earlier one leaves a gap, so the key is
	// dropped and the next reservation is seeded from the network again.
	Release(ctx context.Context, key string, first, n uint64) error
}

// Next reserves a single nonce.
func Next(ctx context.Context, a Allocator, key string, fetch NonceSource) (uint64, error) {
	return a.Reserve(ctx, key, 1, fetch)
}

// NonceAllocator is a process-local Allocator.
type NonceAllocator struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewNonceAllocator returns an empty allocator.
func NewNonceAllocator() *NonceAllocator {
	return &NonceAllocator{next: make(map[string]uint64)}
}

// Reserve implements Allocator. The lock is not held while fetching.
func (a *NonceAllocator) Reserve(ctx context.Context, key string, n uint64, fetch NonceSource) (uint64, error) {
	if n == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "nonce reservation must be positive")
	}
	if first, ok := a.take(key, n); ok {
		return first, nil
	}

	fetched, err := fetch(ctx)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// another caller may have seeded the key while we were fetching
	first, ok := a.next[key]
	if !ok || fetched > first {
		first = fetched
	}
	a.next[key] = first + n
	return first, nil
}

// Release implements Allocator.
func (a *NonceAllocator) Release(_ context.Context, key string, first, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, ok := a.next[key]
	if !ok {
		return nil
	}
	if next == first+n {
		a.next[key] = first
		return nil
	}
	delete(a.next, key)
	return nil
}

func (a *NonceAllocator) take(key string, n uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, ok := a.next[key]
	if !ok {
		return 0, false
	}
	a.next[key] = first + n
	return first, true
}

// RedisNonceAllocator shares nonce counters between processes through Redis.
type RedisNonceAllocator struct {
	client redis.Cmdable
	prefix string
}

// NewRedisNonceAllocator returns an allocator storing counters under prefix.
func NewRedisNonceAllocator(client redis.Cmdable, prefix string) *RedisNonceAllocator {
	if prefix == "" {
		prefix = "mechx:nonce:"
	}
	return &RedisNonceAllocator{client: client, prefix: prefix}
}

// Reserve implements Allocator. The counter stores the next free nonce.
func (a *RedisNonceAllocator) Reserve(ctx context.Context, key string, n uint64, fetch NonceSource) (uint64, error) {
	if n == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "nonce reservation must be positive")
	}
	redisKey := a.prefix + key

	exists, err := a.client.Exists(ctx, redisKey).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "check nonce counter")
	}
	if exists == 0 {
		fetched, err := fetch(ctx)
		if err != nil {
			return 0, err
		}
		if err := a.client.SetNX(ctx, redisKey, strconv.FormatUint(fetched, 10), 0).Err(); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "seed nonce counter")
		}
	}

	next, err := a.client.IncrBy(ctx, redisKey, int64(n)).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "reserve nonce")
	}
	if next < int64(n) {
		return 0, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("nonce counter %s is corrupt: %d", redisKey, next))
	}
	return uint64(next) - n, nil
}

// releaseScript rolls the counter back when the released range is the
// latest one and drops the counter otherwise.
var releaseScript = redis.NewScript(`
local next = redis.call("GET", KEYS[1])
if not next then
  return 0
end
if tonumber(next) == tonumber(ARGV[1]) + tonumber(ARGV[2]) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
redis.call("DEL", KEYS[1])
return 2
`)

// Release implements Allocator.
func (a *RedisNonceAllocator) Release(ctx context.Context, key string, first, n uint64) error {
	err := releaseScript.Run(ctx, a.client, []string{a.prefix + key},
		strconv.FormatUint(first, 10), strconv.FormatUint(n, 10)).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "release nonce")
	}
	return nil
}
