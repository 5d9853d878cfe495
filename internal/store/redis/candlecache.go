package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-alerts/internal/model"
)

const defaultCandleTTL = 6 * time.Hour

// CandleStore is the durable candle source behind the cache.
type CandleStore interface {
	model.CandleProvider
	UpsertCandles(ctx context.Context, candles []model.Candle) error
}

// CandleCache is a read-through, write-through cache of candle series in
// Redis sorted sets scored by bar start (unix seconds).
//
// A series key is only trusted back to its fill marker: the earliest start
// loaded from the backing store. Requests reaching further back, Redis
// errors and an open breaker all fall through to the backing store. Every
// hit is topped up from the backing store from the newest cached bar on, so
// candles written there directly still reach the evaluator.
type CandleCache struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	backing CandleStore
	ttl     time.Duration
}

// NewCandleCache creates a cache over backing. ttl bounds how long an idle
// series stays in Redis.
func NewCandleCache(client *goredis.Client, cb *CircuitBreaker, backing CandleStore, ttl time.Duration) *CandleCache {
	if ttl <= 0 {
		ttl = defaultCandleTTL
	}
	return &CandleCache{client: client, cb: cb, backing: backing, ttl: ttl}
}

// CandleKey is the sorted set holding one series.
func CandleKey(tf model.Timeframe, exchange, symbol string) string {
	return "candles:" + string(tf) + ":" + exchange + ":" + symbol
}

func filledKey(series string) string { return series + ":from" }

// LoadCandles implements model.CandleProvider.
func (c *CandleCache) LoadCandles(ctx context.Context, symbol, exchange string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	key := CandleKey(tf, exchange, symbol)

	var (
		hit     bool
		candles []model.Candle
	)
	err := c.cb.Execute(func() error {
		var err error
		hit, candles, err = c.read(ctx, key, start, end)
		return err
	})
	if err != nil && !errors.Is(err, ErrCircuitOpen) {
		log.Printf("[redis] candle cache read %s: %v", key, err)
	}
	if err == nil && hit {
		return c.topUp(ctx, key, symbol, exchange, tf, start, end, candles)
	}

	candles, err = c.backing.LoadCandles(ctx, symbol, exchange, tf, start, end)
	if err != nil {
		return nil, err
	}
	if c.cb.CurrentState() == StateClosed {
		_ = c.cb.Execute(func() error { return c.fill(ctx, key, start, candles) })
	}
	return candles, nil
}

func (c *CandleCache) read(ctx context.Context, key string, start, end time.Time) (bool, []model.Candle, error) {
	from, err := c.client.Get(ctx, filledKey(key)).Int64()
	if err == goredis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if from > start.Unix() {
		return false, nil, nil
	}

	members, err := c.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return false, nil, err
	}
	out := make([]model.Candle, 0, len(members))
	for _, m := range members {
		var cd model.Candle
		if err := json.Unmarshal([]byte(m), &cd); err != nil {
			return false, nil, fmt.Errorf("decode cached candle: %w", err)
		}
		out = append(out, cd)
	}
	return true, out, nil
}

// topUp reloads bars at or after the newest cached one and merges them over
// cached. The newest cached bar is re-read because it may still be forming.
func (c *CandleCache) topUp(ctx context.Context, key, symbol, exchange string, tf model.Timeframe, start, end time.Time, cached []model.Candle) ([]model.Candle, error) {
	from := start
	if n := len(cached); n > 0 {
		from = cached[n-1].TS
	}
	fresh, err := c.backing.LoadCandles(ctx, symbol, exchange, tf, from, end)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return cached, nil
	}
	if c.cb.CurrentState() == StateClosed {
		err := c.cb.Execute(func() error {
			pipe := c.client.TxPipeline()
			addCandles(ctx, pipe, key, fresh)
			pipe.Expire(ctx, key, c.ttl)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil && !errors.Is(err, ErrCircuitOpen) {
			log.Printf("[redis] candle cache top-up %s: %v", key, err)
		}
	}
	return mergeTail(cached, fresh, from), nil
}

// mergeTail keeps the cached bars before from and appends fresh.
func mergeTail(cached, fresh []model.Candle, from time.Time) []model.Candle {
	i := sort.Search(len(cached), func(i int) bool { return !cached[i].TS.Before(from) })
	out := make([]model.Candle, 0, i+len(fresh))
	out = append(out, cached[:i]...)
	return append(out, fresh...)
}

// fill stores a series loaded from the backing store and moves the fill
// marker back to start.
func (c *CandleCache) fill(ctx context.Context, key string, start time.Time, candles []model.Candle) error {
	pipe := c.client.TxPipeline()
	addCandles(ctx, pipe, key, candles)
	pipe.Set(ctx, filledKey(key), start.Unix(), c.ttl)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// UpsertCandles writes to the backing store, then mirrors the candles into
// any series already cached. A failed mirror drops the affected series so
// the next read refills it.
func (c *CandleCache) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if err := c.backing.UpsertCandles(ctx, candles); err != nil {
		return err
	}

	bySeries := make(map[string][]model.Candle)
	for _, cd := range candles {
		k := CandleKey(cd.Timeframe, cd.Exchange, cd.Symbol)
		bySeries[k] = append(bySeries[k], cd)
	}
	for key, cs := range bySeries {
		err := c.cb.Execute(func() error {
			pipe := c.client.TxPipeline()
			addCandles(ctx, pipe, key, cs)
			pipe.Expire(ctx, key, c.ttl)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			log.Printf("[redis] candle cache mirror %s: %v", key, err)
			c.client.Del(ctx, key, filledKey(key))
		}
	}
	return nil
}

// addCandles replaces any cached bar with the same start.
func addCandles(ctx context.Context, pipe goredis.Pipeliner, key string, candles []model.Candle) {
	for i := range candles {
		ts := strconv.FormatInt(candles[i].TS.Unix(), 10)
		pipe.ZRemRangeByScore(ctx, key, ts, ts)
		pipe.ZAdd(ctx, key, &goredis.Z{
			Score:  float64(candles[i].TS.Unix()),
			Member: string(candles[i].JSON()),
		})
	}
}
