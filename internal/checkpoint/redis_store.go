package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// redisCmdable is the subset of *redis.Client the store uses.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps the checkpoint under a single key. SET replaces the value
// atomically, which is all the store needs.
type RedisStore struct {
	client redisCmdable
	key    string
	addr   string
	closer func() error
}

// NewRedisStore connects using a redis:// URL and verifies the connection.
func NewRedisStore(ctx context.Context, url, key string) (*RedisStore, error) {
	if key == "" {
		return nil, errors.New("redis checkpoint key must not be empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, key: key, addr: opt.Addr, closer: client.Close}, nil
}

func newRedisStoreWithClient(client redisCmdable, key string) *RedisStore {
	return &RedisStore{client: client, key: key, addr: "test"}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (*types.Checkpoint, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint key: %w", err)
	}
	return Decode([]byte(val))
}

// Save implements Store. The key never expires.
func (s *RedisStore) Save(ctx context.Context, cp types.Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint key: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint key: %w", err)
	}
	return nil
}

// Describe implements Store.
func (s *RedisStore) Describe() string {
	return fmt.Sprintf("redis://%s/%s", s.addr, s.key)
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
