package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nais/rollout/pkg/record"
)

// KEYS[1] stable hash, ARGV[1] new endpoint
var setStableScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'current')
if current ~= ARGV[1] then
  if current then
    redis.call('HSET', KEYS[1], 'previous', current)
  end
  redis.call('HSET', KEYS[1], 'current', ARGV[1])
end
return 1
`)

// KEYS[1] stable hash
var revertStableScript = redis.NewScript(`
local previous = redis.call('HGET', KEYS[1], 'previous')
if not previous or previous == '' then
  return false
end
redis.call('HSET', KEYS[1], 'current', previous)
redis.call('HDEL', KEYS[1], 'previous')
return previous
`)

func (s *Store) stableField(ctx context.Context, service, field string) (string, error) {
	now := time.Now()
	endpoint, err := s.client.HGet(ctx, s.stableKey(service), field).Result()
	timed(now, err)

	if errors.Is(err, redis.Nil) || (err == nil && endpoint == "") {
		return "", record.ErrNotFound
	}
	return endpoint, err
}

func (s *Store) StableEndpoint(ctx context.Context, service string) (string, error) {
	return s.stableField(ctx, service, "current")
}

func (s *Store) PreviousStableEndpoint(ctx context.Context, service string) (string, error) {
	return s.stableField(ctx, service, "previous")
}

func (s *Store) SetStableEndpoint(ctx context.Context, service, endpoint string) error {
	now := time.Now()
	err := setStableScript.Run(ctx, s.client, []string{s.stableKey(service)}, endpoint).Err()
	return timed(now, err)
}

func (s *Store) RevertStableEndpoint(ctx context.Context, service string) (string, error) {
	now := time.Now()
	endpoint, err := revertStableScript.Run(ctx, s.client, []string{s.stableKey(service)}).Text()
	timed(now, err)

	if errors.Is(err, redis.Nil) {
		return "", record.ErrNotFound
	}
	return endpoint, err
}
