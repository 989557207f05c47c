// Package store persists the subscriber set and the seen-link set. Both are
// small and are rewritten whole on every change.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"futflow/config"
	"futflow/logger"
)

// ErrNotFound is returned by a Blob that has never been written.
var ErrNotFound = errors.New("store: object not found")

// SubscriberStore loads and saves the full subscriber set.
type SubscriberStore interface {
	Load(ctx context.Context) ([]int64, error)
	Save(ctx context.Context, ids []int64) error
}

// SeenLinkStore remembers emitted hype links.
type SeenLinkStore interface {
	Contains(ctx context.Context, link string) (bool, error)
	Add(ctx context.Context, link string) error
}

// Open builds both stores for the configured backend. The returned close
// function releases shared connections. An unreachable redis is logged and
// the stores are returned anyway; the client reconnects on later calls.
func Open(ctx context.Context, cfg config.StorageConfig) (SubscriberStore, SeenLinkStore, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		subs := NewJSONSubscriberStore(NewFileBlob(cfg.File.SubscribersPath))
		seen := NewJSONSeenStore(NewFileBlob(cfg.File.SeenPath), cfg.SeenRetention)
		return subs, seen, noop, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.GetLogger().WithComponent("store").WithError(err).Warn("redis unreachable at startup; continuing")
		}
		prefix := cfg.Redis.KeyPrefix
		return NewRedisSubscriberStore(client, prefix), NewRedisSeenStore(client, prefix, cfg.SeenRetention), client.Close, nil

	case "s3":
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, nil, noop, err
		}
		subs := NewJSONSubscriberStore(NewS3Blob(client, cfg.S3.Bucket, s3Key(cfg.S3.Prefix, "subscribers.json")))
		seen := NewJSONSeenStore(NewS3Blob(client, cfg.S3.Bucket, s3Key(cfg.S3.Prefix, "seen_links.json")), cfg.SeenRetention)
		return subs, seen, noop, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func s3Key(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
