package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
)

// RedisSource reads deliveries from one hash: field = delivery id,
// value = raw payload.
type RedisSource struct {
	client *redis.Client
	key    string
	logger *logging.Logger
}

func NewRedisSource(cfg model.RemoteConfig, logger *logging.Logger) *RedisSource {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return NewRedisSourceWithClient(client, cfg.RedisKey, logger)
}

func NewRedisSourceWithClient(client *redis.Client, key string, logger *logging.Logger) *RedisSource {
	return &RedisSource{client: client, key: key, logger: logger}
}

func (s *RedisSource) FetchAll(ctx context.Context) ([]Record, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec := Record{DeliveryID: id}
		if v := entries[id]; v != "" {
			rec.Payload = []byte(v)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisSource) Delete(ctx context.Context, deliveryID string) error {
	if err := s.client.HDel(ctx, s.key, deliveryID).Err(); err != nil {
		return fmt.Errorf("hdel %s %s: %w", s.key, deliveryID, err)
	}
	s.logger.Debug("deleted redis record delivery=%s", deliveryID)
	return nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}
