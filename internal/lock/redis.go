package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisBackend stores locks as Redis keys with a PX expiry; ownership checks run as Lua.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps a Redis client. prefix namespaces all keys (e.g. "bridge:lock:").
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// SetNX is SET key token NX PX ttl.
func (b *RedisBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, b.prefix+key, token, ttl).Result()
}

// CompareAndDelete deletes key only if it still holds token.
func (b *RedisBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{b.prefix + key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndExpire sets a new PX expiry only if key still holds token.
func (b *RedisBackend) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{b.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
