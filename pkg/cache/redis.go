package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SaveRedis stores a snapshot of the cache as a single Redis value under
// key. A zero ttl keeps the snapshot until it is overwritten.
//
// The snapshot is a copy for moving a session between machines; the Redis
// value is not kept in sync with later inserts.
func (c *ResponseCache[V]) SaveRedis(ctx context.Context, rdb redis.Cmdable, key string, ttl time.Duration) error {
	err := c.saveRedis(ctx, rdb, key, ttl)
	c.recordSnapshot("save", err)
	return err
}

func (c *ResponseCache[V]) saveRedis(ctx context.Context, rdb redis.Cmdable, key string, ttl time.Duration) error {
	snap, err := c.snapshot()
	if err != nil {
		return newError("save", key, ErrFormat, err)
	}

	var buf bytes.Buffer
	if err := writeSnapshot(&buf, snap); err != nil {
		return newError("save", key, ErrIOFailure, err)
	}

	if err := rdb.Set(ctx, key, buf.Bytes(), ttl).Err(); err != nil {
		return newError("save", key, ErrIOFailure, fmt.Errorf("redis set: %w", err))
	}

	c.logger.Info().
		Str("redis_key", key).
		Int("entries", len(snap.Entries)).
		Int("snapshot_bytes", buf.Len()).
		Msg("Cache saved to redis")
	return nil
}

// LoadRedis replaces all entries with the snapshot stored under key, with
// the same rules as Load.
func (c *ResponseCache[V]) LoadRedis(ctx context.Context, rdb redis.Cmdable, key string) error {
	err := c.loadRedis(ctx, rdb, key)
	c.recordSnapshot("load", err)
	return err
}

func (c *ResponseCache[V]) loadRedis(ctx context.Context, rdb redis.Cmdable, key string) error {
	data, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return newError("load", key, ErrIOFailure, errors.New("snapshot not found"))
		}
		return newError("load", key, ErrIOFailure, fmt.Errorf("redis get: %w", err))
	}

	if err := c.decode(bytes.NewReader(data)); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Op, cerr.Path = "load", key
			return cerr
		}
		return err
	}
	return nil
}
