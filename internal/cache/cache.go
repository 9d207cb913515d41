package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"xray-back/internal/models"
)

const historyTTL = 5 * time.Minute

// Cache keeps detection history listings in Redis. A nil *Cache is valid
// and disables caching, so callers never need to branch on configuration.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func historyKey(userID uint) string {
	return fmt.Sprintf("history:user:%d", userID)
}

// GetHistory returns the cached history for a user, or ok=false on miss.
func (c *Cache) GetHistory(ctx context.Context, userID uint) ([]models.DetectionResult, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, historyKey(userID)).Bytes()
	if err != nil {
		return nil, false
	}
	var results []models.DetectionResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	return results, true
}

// SetHistory stores a user's history listing.
func (c *Cache) SetHistory(ctx context.Context, userID uint, results []models.DetectionResult) {
	if c == nil {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	c.client.Set(ctx, historyKey(userID), data, historyTTL)
}

// InvalidateHistory drops a user's cached history. Called on every
// lifecycle transition so readers never see stale terminal states.
func (c *Cache) InvalidateHistory(ctx context.Context, userID uint) {
	if c == nil {
		return
	}
	c.client.Del(ctx, historyKey(userID))
}
