package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSubscriberStore keeps subscribers in a Redis set.
type RedisSubscriberStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisSubscriberStore(client redis.Cmdable, prefix string) *RedisSubscriberStore {
	return &RedisSubscriberStore{client: client, key: prefix + ":subscribers"}
}

func (s *RedisSubscriberStore) Load(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", s.key, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisSubscriberStore) Save(ctx context.Context, ids []int64) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = strconv.FormatInt(id, 10)
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key)
		if len(members) > 0 {
			p.SAdd(ctx, s.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save subscribers: %w", err)
	}
	return nil
}

// RedisSeenStore keeps seen links in a sorted set scored by first-seen time
// so expired links can be trimmed with one range delete.
type RedisSeenStore struct {
	client    redis.Cmdable
	key       string
	retention time.Duration
	now       func() time.Time
}

func NewRedisSeenStore(client redis.Cmdable, prefix string, retention time.Duration) *RedisSeenStore {
	return &RedisSeenStore{client: client, key: prefix + ":seen_links", retention: retention, now: time.Now}
}

func (s *RedisSeenStore) Contains(ctx context.Context, link string) (bool, error) {
	score, err := s.client.ZScore(ctx, s.key, link).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore %s: %w", s.key, err)
	}
	if s.retention > 0 && s.now().Sub(time.Unix(int64(score), 0)) > s.retention {
		return false, nil
	}
	return true, nil
}

func (s *RedisSeenStore) Add(ctx context.Context, link string) error {
	now := s.now()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.key, &redis.Z{Score: float64(now.Unix()), Member: link})
		if s.retention > 0 {
			cutoff := now.Add(-s.retention).Unix()
			p.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add seen link: %w", err)
	}
	return nil
}
