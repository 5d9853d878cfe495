package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection shared by the publisher and the
// candle cache.
type Config struct {
	Addr        string // e.g. "localhost:6379"
	Password    string
	DB          int
	DialTimeout time.Duration // default 5s
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// Channel and key names.

// AlertChannel is the Pub/Sub channel for an owner's alerts.
func AlertChannel(owner string) string { return "pub:alert:" + owner }

// IntentChannel is the Pub/Sub channel for an owner's order intents.
func IntentChannel(owner string) string { return "pub:intent:" + owner }

// AlertStream is the capped stream of an owner's recent alerts.
func AlertStream(owner string) string { return "alerts:" + owner }

// LatestAlertKey holds the most recent alert of a rule for one instrument.
func LatestAlertKey(ruleID, exchange, symbol string) string {
	return "alert:latest:" + ruleID + ":" + exchange + ":" + symbol
}
