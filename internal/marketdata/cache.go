package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Cache is a Redis read-through in front of the synthetic generator, so
// multiple API replicas serve the same depth ladder and tape for a pair
// within the TTL window.
type Cache struct {
	svc *Service
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(svc *Service, rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{svc: svc, rdb: rdb, ttl: ttl}
}

func depthKey(p domain.Pair) string  { return "desksim:depth:" + p.String() }
func tradesKey(p domain.Pair) string { return "desksim:trades:" + p.String() }
func statsKey(p domain.Pair) string  { return "desksim:stats:" + p.String() }

// Observe forwards the tick and invalidates the pair's cached views.
func (c *Cache) Observe(ctx context.Context, pair domain.Pair, price decimal.Decimal, at time.Time) {
	c.svc.Observe(ctx, pair, price, at)
	c.rdb.Del(ctx, tradesKey(pair), statsKey(pair))
}

// Depth serves the cached ladder when fresh, regenerating on miss.
func (c *Cache) Depth(ctx context.Context, pair domain.Pair, price decimal.Decimal, at time.Time) Depth {
	data, err := c.rdb.Get(ctx, depthKey(pair)).Bytes()
	if err == nil {
		var d Depth
		if json.Unmarshal(data, &d) == nil {
			return d
		}
	}

	d := c.svc.Depth(ctx, pair, price, at)
	if data, err := json.Marshal(d); err == nil {
		c.rdb.Set(ctx, depthKey(pair), data, c.ttl)
	}
	return d
}

// Trades serves the cached tape when fresh.
func (c *Cache) Trades(ctx context.Context, pair domain.Pair) []Trade {
	data, err := c.rdb.Get(ctx, tradesKey(pair)).Bytes()
	if err == nil {
		var trades []Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades
		}
	}

	trades := c.svc.Trades(ctx, pair)
	if data, err := json.Marshal(trades); err == nil {
		c.rdb.Set(ctx, tradesKey(pair), data, c.ttl)
	}
	return trades
}

// Stats serves the cached 24h summary when fresh.
func (c *Cache) Stats(ctx context.Context, pair domain.Pair) Stats {
	data, err := c.rdb.Get(ctx, statsKey(pair)).Bytes()
	if err == nil {
		var st Stats
		if json.Unmarshal(data, &st) == nil {
			return st
		}
	}

	st := c.svc.Stats(ctx, pair)
	if data, err := json.Marshal(st); err == nil {
		c.rdb.Set(ctx, statsKey(pair), data, c.ttl)
	}
	return st
}
