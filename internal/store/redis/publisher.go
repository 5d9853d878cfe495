package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-alerts/internal/model"
)

const (
	defaultStreamMaxLen = 10000
	defaultLatestTTL    = 24 * time.Hour
	defaultMaxBuffer    = 10000
	flushTimeout        = 10 * time.Second
)

// PublisherConfig tunes the alert publisher.
type PublisherConfig struct {
	StreamMaxLen int64         // per-owner alert stream cap, approximate
	LatestTTL    time.Duration // TTL of the latest-alert keys
	MaxBuffer    int           // fires held while Redis is unavailable
}

// Publisher fans committed alerts out over Redis: PUBLISH on the owner's
// channel, XADD to the owner's capped stream and SET of the latest alert per
// (rule, instrument). Intents are published on their own channel.
//
// Writes go through a circuit breaker. While Redis is failing, fires are
// buffered locally (oldest dropped first) and replayed when the breaker
// closes. Alerts are already durable in SQLite, so a drop only loses the
// real-time notification.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    PublisherConfig

	mu     sync.Mutex
	buffer []model.Fire

	// OnFailure is called with the number of fires a failed publish held
	// back (for metrics).
	OnFailure func(n int)
	// OnFlush is called after buffered fires are replayed.
	OnFlush func(n int)
}

// NewPublisher wraps client with cb.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, cfg PublisherConfig) *Publisher {
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	p := &Publisher{client: client, cb: cb, cfg: cfg}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "redis" }

// Deliver publishes fires, buffering them if Redis is unavailable.
func (p *Publisher) Deliver(ctx context.Context, fires []model.Fire) {
	if len(fires) == 0 {
		return
	}
	err := p.cb.Execute(func() error { return p.publish(ctx, fires) })
	if err == nil {
		return
	}
	if !errors.Is(err, ErrCircuitOpen) {
		log.Printf("[redis] publish %d alerts failed: %v", len(fires), err)
	}
	if p.OnFailure != nil {
		p.OnFailure(len(fires))
	}
	p.hold(fires)
}

func (p *Publisher) publish(ctx context.Context, fires []model.Fire) error {
	pipe := p.client.Pipeline()
	for _, f := range fires {
		a := f.Alert
		data := string(a.JSON())
		pipe.Publish(ctx, AlertChannel(a.Owner), data)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: AlertStream(a.Owner),
			MaxLen: p.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, LatestAlertKey(a.RuleID, a.Exchange, a.Symbol), data, p.cfg.LatestTTL)
		if f.Intent != nil {
			pipe.Publish(ctx, IntentChannel(f.Intent.Owner), string(f.Intent.JSON()))
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) hold(fires []model.Fire) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, fires...)
	if over := len(p.buffer) - p.cfg.MaxBuffer; over > 0 {
		log.Printf("[redis] publish buffer full, dropping %d oldest alerts", over)
		p.buffer = append([]model.Fire(nil), p.buffer[over:]...)
	}
}

// flush replays buffered fires once Redis is back.
func (p *Publisher) flush() {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.publish(ctx, pending); err != nil {
		log.Printf("[redis] replay of %d buffered alerts failed: %v", len(pending), err)
		p.mu.Lock()
		p.buffer = append(pending, p.buffer...)
		p.mu.Unlock()
		return
	}
	log.Printf("[redis] replayed %d buffered alerts", len(pending))
	if p.OnFlush != nil {
		p.OnFlush(len(pending))
	}
}

// Pending returns the number of buffered fires.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
