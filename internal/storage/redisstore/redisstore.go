// Package redisstore keeps conversation records in Redis so several
// front-ends on different hosts can share one history.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KV is a string key/value store over Redis. Keys are namespaced by prefix.
type KV struct {
	client *redis.Client
	prefix string
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url, prefix string) (*KV, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	kv := New(redis.NewClient(opts), prefix)
	if err := kv.client.Ping(ctx).Err(); err != nil {
		kv.client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return kv, nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *KV {
	return &KV{client: client, prefix: prefix}
}

func (k *KV) key(key string) string {
	if k.prefix == "" {
		return key
	}
	return k.prefix + ":" + key
}

// GetValue implements conversation.Backend.
func (k *KV) GetValue(ctx context.Context, key string) (string, bool, error) {
	val, err := k.client.Get(ctx, k.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return val, true, nil
}

// SetValue implements conversation.Backend. Records never expire.
func (k *KV) SetValue(ctx context.Context, key, value string) error {
	if err := k.client.Set(ctx, k.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (k *KV) Close() error {
	return k.client.Close()
}
