package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	operatorKeyPrefix = "operator:"
	stockKeyPrefix    = "stock:"
)

// releaseSlotScript frees the operator slot only when it is still held
// by the releasing session, so a late release cannot evict a newer
// session's slot.
var releaseSlotScript = redis.NewScript(`
local key = KEYS[1]
local session = ARGV[1]

if redis.call('GET', key) == session then
	redis.call('DEL', key)
	return 1
end

return 0
`)

// RedisAdapter extends the one-active-session-per-operator guard across
// engine instances and publishes stock snapshots for external readers.
// The TTL on the slot key doubles as a crash backstop: a dead instance's
// slots free themselves once their sessions would have expired anyway.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Acquire(ctx context.Context, operatorID, sessionID string, ttl time.Duration) (bool, error) {
	key := operatorKeyPrefix + operatorID
	return r.client.SetNX(ctx, key, sessionID, ttl).Result()
}

func (r *RedisAdapter) Release(ctx context.Context, operatorID, sessionID string) error {
	key := operatorKeyPrefix + operatorID
	return releaseSlotScript.Run(ctx, r.client, []string{key}, sessionID).Err()
}

// PublishStock mirrors a tool type's available quantity for dashboards
// and other read-only consumers. The catalog store stays authoritative.
func (r *RedisAdapter) PublishStock(ctx context.Context, toolType string, quantity int) error {
	return r.client.Set(ctx, stockKeyPrefix+toolType, quantity, 0).Err()
}

// StockSnapshot reads the mirrored quantity; ok is false when the tool
// has never been published.
func (r *RedisAdapter) StockSnapshot(ctx context.Context, toolType string) (int, bool, error) {
	qty, err := r.client.Get(ctx, stockKeyPrefix+toolType).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}
