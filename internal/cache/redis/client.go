package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/metrics"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/logger"
)

// Client caches ledger records. Decisions are cacheable because they mutate
// at most once (the override drops the key); bundles are immutable and are
// never invalidated. Cache errors are logged and swallowed: the SQLite store
// stays authoritative.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GetDecision(ctx context.Context, id string) (*models.Decision, bool) {
	data, err := c.client.Get(ctx, decisionKey(id)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("decision").Inc()
		return nil, false
	}
	if err != nil {
		logger.Warn("Decision cache read failed", zap.String("decision_id", id), zap.Error(err))
		return nil, false
	}

	var d models.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		logger.Warn("Decision cache entry corrupt, dropping", zap.String("decision_id", id), zap.Error(err))
		c.client.Del(ctx, decisionKey(id))
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("decision").Inc()
	return &d, true
}

func (c *Client) SetDecision(ctx context.Context, d *models.Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, decisionKey(d.ID), data, c.ttl).Err(); err != nil {
		logger.Warn("Decision cache write failed", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

// DropDecision removes a cached decision after its one legal mutation.
func (c *Client) DropDecision(ctx context.Context, id string) {
	if err := c.client.Del(ctx, decisionKey(id)).Err(); err != nil {
		logger.Warn("Decision cache invalidation failed", zap.String("decision_id", id), zap.Error(err))
	}
}

func (c *Client) SetBundle(ctx context.Context, b *models.EvidenceBundle) {
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, bundleKey(b.BundleID), data, c.ttl).Err(); err != nil {
		logger.Warn("Bundle cache write failed", zap.String("bundle_id", b.BundleID), zap.Error(err))
	}
}

func (c *Client) GetBundle(ctx context.Context, id string) (*models.EvidenceBundle, bool) {
	data, err := c.client.Get(ctx, bundleKey(id)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("bundle").Inc()
		return nil, false
	}
	if err != nil {
		logger.Warn("Bundle cache read failed", zap.String("bundle_id", id), zap.Error(err))
		return nil, false
	}

	var b models.EvidenceBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("bundle").Inc()
	return &b, true
}

func decisionKey(id string) string {
	return fmt.Sprintf("decision:%s", id)
}

func bundleKey(id string) string {
	return fmt.Sprintf("bundle:%s", id)
}
