// Package redisdir provides a Redis-backed sessiondir.Directory. Each entry
// is stored as a JSON string with a TTL and indexed in a set so List does not
// need to scan the keyspace.
package redisdir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/clusterclient-go/sessiondir"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed directory. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONDIR_KEY_PREFIX
	KeyPrefix string `env:"SESSIONDIR_KEY_PREFIX,default=cluster:sessions:"`
	// TTL applied to every entry. ENV: SESSIONDIR_TTL
	TTL time.Duration `env:"SESSIONDIR_TTL,default=24h"`
}

// Directory implements sessiondir.Directory on Redis.
type Directory struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ sessiondir.Directory = (*Directory)(nil)

// New connects to Redis and verifies reachability with a PING.
func New(cfg Config) (*Directory, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cluster:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Directory using envdecode to populate Config.
func NewFromEnv() (*Directory, error) {
	var cfg Config
	// Defaults come from struct tags; a missing environment is fine.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (d *Directory) Close() error { return d.client.Close() }

func (d *Directory) entryKey(id string) string { return d.keyPrefix + "entry:" + id }
func (d *Directory) indexKey() string          { return d.keyPrefix + "index" }

func (d *Directory) Publish(ctx context.Context, e sessiondir.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, d.entryKey(e.ID), b, d.ttl)
		p.SAdd(ctx, d.indexKey(), e.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.ID, err)
	}
	return nil
}

func (d *Directory) Withdraw(ctx context.Context, id string) error {
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, d.entryKey(id))
		p.SRem(ctx, d.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", id, err)
	}
	return nil
}

func (d *Directory) List(ctx context.Context) ([]sessiondir.Entry, error) {
	ids, err := d.client.SMembers(ctx, d.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.entryKey(id)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	out := make([]sessiondir.Entry, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Entry expired; drop it from the index.
			stale = append(stale, ids[i])
			continue
		}
		var e sessiondir.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	if len(stale) > 0 {
		_ = d.client.SRem(ctx, d.indexKey(), stale...).Err()
	}
	return out, nil
}
