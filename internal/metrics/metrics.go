package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels of one (rule, symbol) evaluation.
const (
	OutcomeEmitted    = "matched_emitted"
	OutcomeSuppressed = "matched_suppressed"
	OutcomeNotMatched = "not_matched"
)

// Metrics holds all Prometheus metrics for the alert engine.
type Metrics struct {
	TicksTotal  prometheus.Counter
	TickDur     prometheus.Histogram
	TickPanics  prometheus.Counter
	TickOverrun prometheus.Counter

	// Rule evaluation
	RulesEvaluated   prometheus.Counter
	RulesSkipped     *prometheus.CounterVec // labels: reason
	SymbolsEvaluated prometheus.Counter
	SymbolErrors     *prometheus.CounterVec // labels: stage
	Outcomes         *prometheus.CounterVec // labels: outcome
	EvalDur          prometheus.Histogram

	// Side effects
	IntentsCreated  prometheus.Counter
	IntentsSkipped  *prometheus.CounterVec // labels: reason
	SQLiteCommitDur prometheus.Histogram
	AlertsPruned    prometheus.Counter

	// Fan-out
	PublishFailures          prometheus.Counter
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	WSClients                prometheus.Gauge
	NotifyFailures           *prometheus.CounterVec // labels: notifier

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests use to build several engines.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_ticks_total",
			Help: "Scheduler ticks run",
		}),
		TickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertengine_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick including commit",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TickPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_tick_panics_total",
			Help: "Panics recovered at tick, rule or symbol level",
		}),
		TickOverrun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_tick_overrun_total",
			Help: "Ticks that took longer than the tick interval",
		}),

		RulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_rules_evaluated_total",
			Help: "Rules processed (last_evaluated_at advanced)",
		}),
		RulesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertengine_rules_skipped_total",
			Help: "Rules skipped for a tick, by reason",
		}, []string{"reason"}),
		SymbolsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_symbols_evaluated_total",
			Help: "Rule/symbol evaluations run",
		}),
		SymbolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertengine_symbol_errors_total",
			Help: "Rule/symbol evaluations abandoned, by stage",
		}, []string{"stage"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertengine_outcomes_total",
			Help: "Rule/symbol evaluation outcomes",
		}, []string{"outcome"}),
		EvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertengine_symbol_eval_duration_seconds",
			Help:    "Candle load + indicator compute + fold for one rule/symbol",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		IntentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_order_intents_total",
			Help: "Order intents written with status WAITING",
		}),
		IntentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertengine_order_intents_skipped_total",
			Help: "Fires whose action produced no intent, by reason",
		}, []string{"reason"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertengine_sqlite_commit_duration_seconds",
			Help:    "SQLite tick commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		AlertsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_alerts_pruned_total",
			Help: "Alerts deleted by the retention job",
		}),

		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_publish_failures_total",
			Help: "Alerts not published to Redis Pub/Sub",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertengine_ws_clients",
			Help: "Connected alert stream WebSocket clients",
		}),
		NotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertengine_notify_failures_total",
			Help: "Notifier delivery failures",
		}, []string{"notifier"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertengine_market_state",
			Help: "Market session state at the last tick (0=closed, 1=open)",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TicksTotal,
			m.TickDur,
			m.TickPanics,
			m.TickOverrun,
			m.RulesEvaluated,
			m.RulesSkipped,
			m.SymbolsEvaluated,
			m.SymbolErrors,
			m.Outcomes,
			m.EvalDur,
			m.IntentsCreated,
			m.IntentsSkipped,
			m.SQLiteCommitDur,
			m.AlertsPruned,
			m.PublishFailures,
			m.RedisCircuitBreakerState,
			m.RedisCircuitBreakerTrips,
			m.WSClients,
			m.NotifyFailures,
			m.MarketState,
		)
	}

	return m
}

// HealthStatus represents the engine health served on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	SchedulerRunning bool      `json:"scheduler_running"`
	LastTickTime     time.Time `json:"last_tick_time"`
	TickInterval     time.Duration
	RedisEnabled     bool `json:"redis_enabled"`
	RedisConnected   bool `json:"redis_connected"`
	SQLiteOK         bool `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(tickInterval time.Duration) *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		TickInterval: tickInterval,
	}
}

func (h *HealthStatus) SetSchedulerRunning(v bool) {
	h.mu.Lock()
	h.SchedulerRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	SchedulerRunning bool    `json:"scheduler_running"`
	LastTickTime     string  `json:"last_tick_time"`
	TickAge          string  `json:"tick_age"`
	RedisEnabled     bool    `json:"redis_enabled"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	SQLiteOK         bool    `json:"sqlite_ok"`
	SQLiteLatencyMs  float64 `json:"sqlite_latency_ms"`
	LastCheckAt      string  `json:"last_check_at"`
}

// Report summarises health. A stale tick is one older than three intervals.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK

	staleTick := h.TickInterval > 0 && !h.LastTickTime.IsZero() &&
		time.Since(h.LastTickTime) > 3*h.TickInterval
	if !h.SchedulerRunning || staleTick || (h.RedisEnabled && !h.RedisConnected) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	return Report{
		Status:           status,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		SchedulerRunning: h.SchedulerRunning,
		LastTickTime:     lastTick,
		TickAge:          tickAge,
		RedisEnabled:     h.RedisEnabled,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		SQLiteOK:         h.SQLiteOK,
		SQLiteLatencyMs:  h.SQLiteLatencyMs,
		LastCheckAt:      lastCheck,
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer defaults to the
// global Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
