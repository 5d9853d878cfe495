package alertengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-alerts/config"
	"trading-alerts/internal/model"
)

var t0 = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "data", "alerts.db")
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.APIAddr = "127.0.0.1:0"
	cfg.LogAlerts = false
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = func() time.Time { return t0 }
	return svc
}

func counterValue(t *testing.T, svc *Service, name string) float64 {
	t.Helper()
	mfs, err := svc.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func sinkNames(svc *Service) string {
	var names []string
	for _, s := range svc.sinks() {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

// ────────────────────────────────────────────────────────────
// Wiring
// ────────────────────────────────────────────────────────────

func TestNew_SinksFollowConfig(t *testing.T) {
	cfg := testConfig(t)
	svc := newService(t, cfg)
	defer svc.close()
	if got := sinkNames(svc); got != "websocket" {
		t.Errorf("sinks = %q, want websocket only", got)
	}

	cfg = testConfig(t)
	cfg.LogAlerts = true
	cfg.WebhookURL = "http://127.0.0.1:1/hook"
	cfg.PortfolioSource = config.PortfolioPaper
	svc = newService(t, cfg)
	defer svc.close()
	if got := sinkNames(svc); got != "websocket,notify,paper" {
		t.Errorf("sinks = %q", got)
	}
}

func TestNew_RejectsBadRetentionSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionCron = "every tuesday"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unparsable retention schedule")
	}
}

func TestNew_RetentionDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionDays = 0
	cfg.RetentionCron = "ignored when disabled"
	svc := newService(t, cfg)
	defer svc.close()
	if svc.cron != nil {
		t.Error("cron scheduled with retention disabled")
	}
}

// ────────────────────────────────────────────────────────────
// Retention
// ────────────────────────────────────────────────────────────

func alertAt(id, key string, at time.Time) model.Fire {
	return model.Fire{Alert: &model.Alert{
		ID: id, RuleID: "r1", Owner: "alice", Symbol: "SBIN", Exchange: "NSE",
		TriggeredAt: at, Reason: "PRICE@5m[101.00] > 100", DedupKey: key,
		Snapshot: map[string]model.SnapshotValue{},
	}}
}

func TestPruneAlerts_RetentionWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionDays = 30
	svc := newService(t, cfg)
	defer svc.close()
	ctx := context.Background()

	old := t0.AddDate(0, 0, -31)
	_, err := svc.store.CommitTick(ctx, model.TickCommit{Now: t0, Fires: []model.Fire{
		alertAt("old", "t:old", old),
		alertAt("once", "once", old),
		alertAt("new", "t:new", t0.AddDate(0, 0, -29)),
	}})
	if err != nil {
		t.Fatalf("CommitTick: %v", err)
	}

	svc.pruneAlerts(ctx)

	alerts, err := svc.store.RecentAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	kept := map[string]bool{}
	for _, a := range alerts {
		kept[a.ID] = true
	}
	if len(kept) != 2 || !kept["once"] || !kept["new"] {
		t.Errorf("kept %v, want once and new", kept)
	}
	if got := counterValue(t, svc, "alertengine_alerts_pruned_total"); got != 1 {
		t.Errorf("alerts pruned metric = %v, want 1", got)
	}
}

// ────────────────────────────────────────────────────────────
// Paper portfolio
// ────────────────────────────────────────────────────────────

func TestSeedBook_CopiesOwnerHoldings(t *testing.T) {
	cfg := testConfig(t)
	cfg.PortfolioSource = config.PortfolioPaper
	svc := newService(t, cfg)
	defer svc.close()
	ctx := context.Background()

	rule := &model.Rule{
		ID: "r1", Owner: "alice", Name: "r1", Enabled: true,
		Universe:    model.Universe{Kind: model.UniverseHoldings},
		Timeframe:   model.TF5m,
		Condition:   json.RawMessage(`{"version":1,"root":{"type":"comparison","op":"GT","left":{"type":"indicator","kind":"PRICE","timeframe":"5m"},"right":{"type":"number","value":100}}}`),
		TriggerMode: model.TriggerOncePerBar,
	}
	if err := svc.store.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	held := []model.Holding{{Symbol: "SBIN", Exchange: "NSE", Product: "CNC", Qty: 10}}
	if err := svc.store.ReplaceHoldings(ctx, "alice", held); err != nil {
		t.Fatalf("ReplaceHoldings: %v", err)
	}

	if err := svc.seedBook(ctx); err != nil {
		t.Fatalf("seedBook: %v", err)
	}
	qty, found, err := svc.book.PositionQty(ctx, "alice", "SBIN", "CNC")
	if err != nil || !found || qty != 10 {
		t.Errorf("PositionQty = %v, %v, %v; want 10", qty, found, err)
	}
}

// ────────────────────────────────────────────────────────────
// Lifecycle
// ────────────────────────────────────────────────────────────

func TestRun_ReturnsAfterCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = time.Hour
	svc := newService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for svc.sched.Stats().Ticks == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.sched.Stats().Ticks == 0 {
		t.Error("no tick ran after start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if svc.sched.Stats().Running {
		t.Error("scheduler still running after shutdown")
	}
}
