package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps rows as JSON values under a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache. A zero ttl keeps entries until invalidated.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Get(ctx context.Context, id string) ([][]string, bool, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", id, err)
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false, fmt.Errorf("decode cached sheet %s: %w", id, err)
	}
	return rows, true, nil
}

func (c *RedisCache) Set(ctx context.Context, id string, rows [][]string) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode sheet %s: %w", id, err)
	}
	if err := c.client.Set(ctx, c.key(id), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, ids ...string) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

// DirCache keeps rows as JSON files in a directory.
type DirCache struct {
	dir string
	ttl time.Duration
}

// NewDirCache creates the directory if needed. A zero ttl never expires entries.
func NewDirCache(dir string, ttl time.Duration) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DirCache{dir: dir, ttl: ttl}, nil
}

func (c *DirCache) path(id string) string {
	return filepath.Join(c.dir, url.PathEscape(id)+".json")
}

func (c *DirCache) Get(_ context.Context, id string) ([][]string, bool, error) {
	p := c.path(id)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.ttl > 0 && time.Since(info.ModTime()) > c.ttl {
		return nil, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false, fmt.Errorf("decode cached sheet %s: %w", id, err)
	}
	return rows, true, nil
}

func (c *DirCache) Set(_ context.Context, id string, rows [][]string) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode sheet %s: %w", id, err)
	}
	tmp := c.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path(id))
}

func (c *DirCache) Delete(_ context.Context, ids ...string) error {
	for _, id := range ids {
		if err := os.Remove(c.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
