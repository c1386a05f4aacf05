package loadbalancer

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend suitable for horizontally-scaled deployments,
// tracking per-destination counts as Redis keys. Grounded exactly on
// RedisLoadBalancer, including its connection-reset-on-error retry: any
// command failure drops the held client so the next call reconnects
// rather than keeps hammering a broken connection.
type Redis struct {
	mu        sync.Mutex
	client    *redis.Client
	newClient func() *redis.Client
	prefix    string
}

// NewRedis builds a backend that lazily dials via newClient on first
// use, with keys namespaced under prefix (default "eslswitch:lb:" when
// empty).
func NewRedis(newClient func() *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "eslswitch:lb:"
	}
	return &Redis{newClient: newClient, prefix: prefix}
}

func (b *Redis) getClient() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.client = b.newClient()
	}
	return b.client
}

// reset drops the held client, forcing the next getClient call to
// reconnect.
func (b *Redis) reset() {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
}

func (b *Redis) key(destination string) string {
	return b.prefix + destination
}

func (b *Redis) Increment(ctx context.Context, destination string) error {
	client := b.getClient()
	if err := client.Incr(ctx, b.key(destination)).Err(); err != nil {
		b.reset()
		return err
	}
	return nil
}

func (b *Redis) Decrement(ctx context.Context, destination string) error {
	client := b.getClient()
	key := b.key(destination)
	count, err := client.Decr(ctx, key).Result()
	if err != nil {
		b.reset()
		return err
	}
	if count <= 0 {
		if err := client.Del(ctx, key).Err(); err != nil {
			b.reset()
			return err
		}
	}
	return nil
}

func (b *Redis) GetCount(ctx context.Context, destination string) (int, error) {
	client := b.getClient()
	val, err := client.Get(ctx, b.key(destination)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		b.reset()
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Redis) GetLeastLoaded(ctx context.Context, destinations []string) (string, error) {
	if len(destinations) == 0 {
		return "", nil
	}
	client := b.getClient()

	keys := make([]string, len(destinations))
	for i, d := range destinations {
		keys[i] = b.key(d)
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		b.reset()
		return "", err
	}

	best := destinations[0]
	bestCount := -1
	for i, d := range destinations {
		count := 0
		if values[i] != nil {
			if s, ok := values[i].(string); ok {
				if n, err := strconv.Atoi(s); err == nil {
					count = n
				}
			}
		}
		if bestCount == -1 || count < bestCount {
			best, bestCount = d, count
		}
	}
	return best, nil
}
