// Package cache wraps a UserDirectory with a short-TTL Redis cache. Premium
// flags and push subscriptions are read on hot paths (CHECK_PREMIUM_STATUS,
// every SEND_MESSAGE) and tolerate slightly stale answers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/repository"
)

// NewClient constructs a Redis client from configuration and verifies
// connectivity with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is not set")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// Directory is a read-through cache in front of a UserDirectory.
type Directory struct {
	inner  repository.UserDirectory
	client *redis.Client
	ttl    time.Duration
}

// NewDirectory wraps inner with a Redis read-through cache. A nil client
// disables caching and passes every call through.
func NewDirectory(inner repository.UserDirectory, client *redis.Client, ttl time.Duration) *Directory {
	return &Directory{inner: inner, client: client, ttl: ttl}
}

var _ repository.UserDirectory = (*Directory)(nil)

func userKey(id string) string { return "duolink:user:" + id }

// FindUserByID serves from cache when possible, falling back to the inner
// directory. Cache failures degrade to a direct lookup.
func (d *Directory) FindUserByID(ctx context.Context, id string) (*repository.User, error) {
	if d.client != nil {
		val, err := d.client.Get(ctx, userKey(id)).Result()
		if err == nil {
			var u repository.User
			if jsonErr := json.Unmarshal([]byte(val), &u); jsonErr == nil {
				return &u, nil
			}
		} else if err != redis.Nil {
			log.Printf("Directory cache read failed for %s: %v", id, err)
		}
	}

	u, err := d.inner.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.put(ctx, u)
	return u, nil
}

// FindPairedPartner resolves the pairing through the cached user record.
func (d *Directory) FindPairedPartner(ctx context.Context, userID string) (*repository.User, error) {
	u, err := d.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if u.PairedWithUserID == "" {
		return nil, nil
	}
	partner, err := d.FindUserByID(ctx, u.PairedWithUserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return partner, err
}

// Invalidate drops a user's cache entry. The pairing poll calls this so a
// fresh pairing is observed before the TTL runs out.
func (d *Directory) Invalidate(ctx context.Context, id string) {
	if d.client == nil {
		return
	}
	if err := d.client.Del(ctx, userKey(id)).Err(); err != nil {
		log.Printf("Directory cache invalidate failed for %s: %v", id, err)
	}
}

func (d *Directory) put(ctx context.Context, u *repository.User) {
	if d.client == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, userKey(u.ID), raw, d.ttl).Err(); err != nil {
		log.Printf("Directory cache write failed for %s: %v", u.ID, err)
	}
}
