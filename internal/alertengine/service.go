// Package alertengine wires the alert engine process together: storage,
// optional Redis, the scheduler and its sinks, the retention job and the
// HTTP surfaces.
package alertengine

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"trading-alerts/config"
	"trading-alerts/internal/api"
	"trading-alerts/internal/emitter"
	"trading-alerts/internal/evaluator"
	"trading-alerts/internal/markethours"
	"trading-alerts/internal/metrics"
	"trading-alerts/internal/model"
	"trading-alerts/internal/notification"
	"trading-alerts/internal/portfolio"
	"trading-alerts/internal/scheduler"
	"trading-alerts/internal/store/redis"
	"trading-alerts/internal/store/sqlite"
	"trading-alerts/internal/stream"
	"trading-alerts/internal/universe"
)

const (
	livenessInterval = 15 * time.Second
	breakerFailures  = 5
	breakerReset     = 30 * time.Second
	notifyTimeout    = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
	retentionTimeout = time.Minute
)

// Service owns every long-lived component of the engine.
type Service struct {
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	store     *sqlite.Store
	rdb       *goredis.Client
	publisher *redis.Publisher
	book      *portfolio.Book
	hub       *stream.Hub
	sched     *scheduler.Scheduler
	cron      *cron.Cron

	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	metricsSrv *metrics.Server
	apiSrv     *api.Server
}

// New opens storage, connects Redis when configured and builds the
// scheduler. Nothing runs until Run.
func New(cfg *config.Config, lg *slog.Logger) (*Service, error) {
	if lg == nil {
		lg = slog.Default()
	}
	svc := &Service{
		cfg:    cfg,
		log:    lg,
		now:    markethours.Now,
		reg:    prometheus.NewRegistry(),
		health: metrics.NewHealthStatus(cfg.TickInterval),
	}
	svc.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.prom = metrics.NewMetrics(svc.reg)

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath})
	if err != nil {
		return nil, err
	}
	svc.store = store
	svc.health.SetSQLiteOK(true)

	// ---- Redis (optional) ----
	var candles model.CandleProvider = store
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redis.Connect(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		cancel()
		if err != nil {
			store.Close()
			return nil, err
		}
		svc.rdb = rdb
		svc.health.SetRedisEnabled(true)

		cb := redis.NewCircuitBreaker(breakerFailures, breakerReset)
		cb.OnStateChange = func(from, to redis.State) {
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redis.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[alertengine] redis breaker %s -> %s", from, to)
		}
		svc.publisher = redis.NewPublisher(rdb, cb, redis.PublisherConfig{})
		svc.publisher.OnFailure = func(n int) { svc.prom.PublishFailures.Add(float64(n)) }
		svc.publisher.OnFlush = func(n int) { log.Printf("[alertengine] replayed %d buffered alerts to redis", n) }

		if cfg.CandleCache {
			candles = redis.NewCandleCache(rdb, cb, store, 0)
		}
	}

	// ---- Portfolio ----
	var (
		holdings  model.HoldingsProvider = store
		positions model.PositionProvider = store
	)
	if cfg.PortfolioSource == config.PortfolioPaper {
		svc.book = portfolio.New()
		holdings, positions = svc.book, svc.book
	}

	// ---- Scheduler and sinks ----
	cal, err := markethours.NewCalendar(cfg.Holidays...)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.hub = stream.NewHub(cfg.StreamReplay)
	svc.hub.OnClientsChanged = func(n int) { svc.prom.WSClients.Set(float64(n)) }

	svc.sched, err = scheduler.New(scheduler.Options{
		Interval:      cfg.TickInterval,
		Workers:       cfg.Workers,
		LookupTimeout: cfg.LookupTimeout,
		Store:         store,
		Evaluator:     evaluator.New(candles, cfg.LookupTimeout),
		Universe:      universe.New(store, holdings, cfg.LookupTimeout, lg),
		Emitter:       emitter.New(positions, cfg.LookupTimeout),
		Expressions:   store,
		Calendar:      cal,
		Metrics:       svc.prom,
		Health:        svc.health,
		Sinks:         svc.sinks(),
		Now:           func() time.Time { return svc.now() },
		Logger:        lg,
	})
	if err != nil {
		svc.close()
		return nil, err
	}

	if cfg.RetentionDays > 0 {
		svc.cron = cron.New()
		if _, err := svc.cron.AddFunc(cfg.RetentionCron, svc.runRetention); err != nil {
			svc.close()
			return nil, fmt.Errorf("retention schedule %q: %w", cfg.RetentionCron, err)
		}
	}

	svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health, svc.reg)
	svc.apiSrv = api.NewServer(cfg.APIAddr, api.NewRouter(api.Deps{
		Rules:    store,
		Engine:   svc.sched,
		Health:   svc.health,
		Calendar: cal,
		Stream:   svc.hub,
		Now:      func() time.Time { return svc.now() },
	}))
	return svc, nil
}

// sinks lists the post-commit fan-out in delivery order.
func (svc *Service) sinks() []scheduler.Sink {
	var out []scheduler.Sink
	if svc.publisher != nil {
		out = append(out, svc.publisher)
	}
	out = append(out, svc.hub)

	var notifiers []notification.Notifier
	if svc.cfg.LogAlerts {
		notifiers = append(notifiers, notification.NewLogNotifier())
	}
	if svc.cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(svc.cfg.WebhookURL))
	}
	if svc.cfg.TelegramToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(svc.cfg.TelegramToken, svc.cfg.TelegramChat))
	}
	if len(notifiers) > 0 {
		d := notification.NewDispatcher(notifyTimeout, notifiers...)
		d.OnFailure = func(name string) { svc.prom.NotifyFailures.WithLabelValues(name).Inc() }
		out = append(out, d)
	}

	if svc.book != nil {
		out = append(out, svc.book)
	}
	return out
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[alertengine] starting alert engine...")

	if svc.book != nil {
		if err := svc.seedBook(ctx); err != nil {
			log.Printf("[alertengine] WARNING: paper book seed: %v", err)
		}
	}

	if svc.cron != nil {
		svc.cron.Start()
		log.Printf("[alertengine] retention: %d days, schedule %q", cfg.RetentionDays, cfg.RetentionCron)
	}

	svc.health.StartLivenessChecker(ctx, svc.rdb, svc.store.DB(), livenessInterval)
	svc.metricsSrv.Start()
	svc.apiSrv.Start()

	if err := svc.sched.Start(ctx); err != nil {
		svc.shutdown()
		return err
	}

	log.Printf("[alertengine] running: tick=%s workers=%d redis=%t portfolio=%s",
		cfg.TickInterval, cfg.Workers, svc.rdb != nil, cfg.PortfolioSource)

	<-ctx.Done()

	svc.shutdown()
	return nil
}

func (svc *Service) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), retentionTimeout)
	defer cancel()
	svc.pruneAlerts(ctx)
}

// pruneAlerts deletes alerts past the retention window. ONCE markers and the
// newest alert per rule and instrument stay.
func (svc *Service) pruneAlerts(ctx context.Context) {
	cutoff := svc.now().AddDate(0, 0, -svc.cfg.RetentionDays)
	n, err := svc.store.PruneAlerts(ctx, cutoff)
	if err != nil {
		svc.log.Error("[alertengine] retention failed", "error", err)
		return
	}
	svc.prom.AlertsPruned.Add(float64(n))
	svc.log.Info("[alertengine] retention pruned alerts", "deleted", n, "cutoff", cutoff)
}

// seedBook copies stored holdings into the paper book for every rule owner.
func (svc *Service) seedBook(ctx context.Context) error {
	rules, err := svc.store.LoadRules(ctx, svc.now())
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.Owner] {
			continue
		}
		seen[r.Owner] = true
		hs, err := svc.store.Holdings(ctx, r.Owner)
		if err != nil {
			return err
		}
		for _, h := range hs {
			svc.book.Set(r.Owner, h)
		}
	}
	return nil
}

func (svc *Service) shutdown() {
	log.Println("[alertengine] shutdown signal received, draining...")

	svc.sched.Stop()
	if svc.cron != nil {
		<-svc.cron.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.apiSrv.Stop(ctx)
	svc.metricsSrv.Stop(ctx)
	svc.hub.Close()

	svc.close()
	log.Println("[alertengine] shutdown complete")
}

func (svc *Service) close() {
	if svc.rdb != nil {
		svc.rdb.Close()
	}
	if svc.store != nil {
		svc.store.Close()
	}
}
