package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"courtbot/pkg/logx"
)

// RedisManager shares the lock registry between processes. TTL expiry is
// delegated to Redis key expiry, so no sweep is needed.
type RedisManager struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	log     logx.Logger
}

type RedisOptions struct {
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration
	Log     logx.Logger
}

func NewRedisManager(client redis.UniversalClient, opts RedisOptions) *RedisManager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "courtbot:lock:"
	}
	return &RedisManager{
		client:  client,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		log:     opts.Log.With(logx.String("comp", "lock.redis")),
	}
}

func (m *RedisManager) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// Acquire fails closed: a Redis error is logged and reported as busy.
func (m *RedisManager) Acquire(key, holder string) bool {
	ctx, cancel := m.ctx()
	defer cancel()

	ok, err := m.client.SetNX(ctx, m.prefix+key, holder, m.ttl).Result()
	if err != nil {
		m.log.Error("lock acquire failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return ok
}

func (m *RedisManager) Release(key, holder string) {
	ctx, cancel := m.ctx()
	defer cancel()

	n, err := releaseScript.Run(ctx, m.client, []string{m.prefix + key}, holder).Int()
	if err != nil {
		m.log.Error("lock release failed", logx.String("key", key), logx.Err(err))
		return
	}
	if n < 0 {
		m.log.Warn("lock release by non-holder ignored", logx.String("key", key), logx.String("caller", holder))
	}
}

func (m *RedisManager) IsLocked(key string) bool {
	ctx, cancel := m.ctx()
	defer cancel()

	n, err := m.client.Exists(ctx, m.prefix+key).Result()
	if err != nil {
		m.log.Error("lock lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return n > 0
}

func (m *RedisManager) Count() int {
	ctx, cancel := m.ctx()
	defer cancel()

	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.prefix+"*", 100).Result()
		if err != nil {
			m.log.Error("lock scan failed", logx.Err(err))
			return total
		}
		total += len(keys)
		if next == 0 {
			return total
		}
		cursor = next
	}
}

// Returns 1 when deleted, 0 when absent, -1 when held by someone else.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if cur ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
return 1
`)
