package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli *redis.Client
	id  string
	key string
}

func (s *redisStore) ContextID() string { return s.id }

type redisProvider struct {
	cli *redis.Client
}

// NewRedisProvider backs each user context with a redis hash.
func NewRedisProvider(cli *redis.Client) Provider {
	return &redisProvider{cli: cli}
}

func (p *redisProvider) ForContext(id string) Store {
	return &redisStore{cli: p.cli, id: id, key: "authbridge:ctx:" + id}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.cli.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	return s.cli.HSet(ctx, s.key, key, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	return s.cli.HDel(ctx, s.key, keys...).Err()
}

func (s *redisStore) Clear(ctx context.Context) error {
	return s.cli.Del(ctx, s.key).Err()
}
