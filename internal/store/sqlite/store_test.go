package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"trading-alerts/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "alerts.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	ctx  = context.Background()
	now  = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	bar  = time.Date(2026, 3, 2, 10, 55, 0, 0, time.UTC)
	sbin = model.Instrument{Symbol: "SBIN", Exchange: "NSE"}
)

const rsiCond = `{"version":1,"root":{"type":"comparison","op":"LT","left":{"type":"indicator","kind":"RSI","timeframe":"5m","params":{"period":14}},"right":{"type":"number","value":30}}}`

func testRule(id string, mode model.TriggerMode) *model.Rule {
	return &model.Rule{
		ID: id, Owner: "alice", Name: id, Enabled: true,
		Universe:    model.Universe{Kind: model.UniverseSymbol, Symbol: "SBIN", Exchange: "NSE"},
		Timeframe:   model.TF5m,
		Condition:   json.RawMessage(rsiCond),
		TriggerMode: mode,
	}
}

var seq int

func fire(ruleID, key string, barTime *time.Time, withIntent bool) model.Fire {
	seq++
	a := &model.Alert{
		ID: fmt.Sprintf("a-%d", seq), RuleID: ruleID, Owner: "alice",
		Symbol: sbin.Symbol, Exchange: sbin.Exchange, BarTime: barTime, TriggeredAt: now,
		Reason: "RSI(14)@5m[25.00] < 30", DedupKey: key,
		Snapshot: map[string]model.SnapshotValue{"RSI(14)@5m": {}},
	}
	f := model.Fire{Alert: a}
	if withIntent {
		f.Intent = &model.OrderIntent{
			ID: a.ID + "-oi", AlertID: a.ID, RuleID: ruleID, Owner: "alice", Symbol: a.Symbol, Exchange: a.Exchange,
			Side: model.SideBuy, Qty: 1, OrderType: "MARKET", Product: "CNC", Status: model.OrderStatusWaiting, CreatedAt: now,
		}
	}
	return f
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// ────────────────────────────────────────────────────────────
// Rules
// ────────────────────────────────────────────────────────────

func TestRules_LoadFiltersAndRoundTrips(t *testing.T) {
	s := newTestStore(t)

	active := testRule("r1", model.TriggerOncePerBar)
	active.ThrottleSeconds = 60
	active.EvaluationCadence = 5 * time.Minute
	active.MarketHoursOnly = true
	active.Action = model.Action{Kind: model.ActionSellPct, Percent: 25, Product: "CNC"}
	future := now.Add(time.Hour)
	active.ExpiresAt = &future

	disabled := testRule("r2", model.TriggerOnce)
	disabled.Enabled = false

	expired := testRule("r3", model.TriggerOnce)
	past := now.Add(-time.Second)
	expired.ExpiresAt = &past

	for _, r := range []*model.Rule{active, disabled, expired} {
		if err := s.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
	}
	// A corrupt row must not hide the others.
	if _, err := s.DB().Exec(`INSERT INTO rules (id, owner, universe, timeframe, condition, trigger_mode)
		VALUES ('r0', 'bob', '{}', '5m', '{}', 'SOMETIMES')`); err != nil {
		t.Fatalf("insert corrupt rule: %v", err)
	}

	rules, err := s.LoadRules(ctx, now)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Fatalf("got %d rules, want only r1", len(rules))
	}
	r := rules[0]
	if r.ThrottleSeconds != 60 || r.EvaluationCadence != 5*time.Minute || !r.MarketHoursOnly ||
		r.Action.Kind != model.ActionSellPct || r.Action.Percent != 25 || r.Universe.Symbol != "SBIN" ||
		r.ExpiresAt == nil || !r.ExpiresAt.Equal(future) || string(r.Condition) != rsiCond {
		t.Errorf("round trip mismatch: %+v", r)
	}

	if _, err := s.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule missing: %v", err)
	}
	if got, err := s.GetRule(ctx, "r2"); err != nil || got.Enabled {
		t.Errorf("GetRule disabled: %+v, %v", got, err)
	}
}

// ────────────────────────────────────────────────────────────
// Tick commit and dedup
// ────────────────────────────────────────────────────────────

func TestCommitTick_OncePerBarStoresOneAlert(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRule(ctx, testRule("r1", model.TriggerOncePerBar)); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	key := fmt.Sprintf("bar:%d", bar.Unix())

	b := bar
	res, err := s.CommitTick(ctx, model.TickCommit{Now: now, Evaluated: []string{"r1"}, Fires: []model.Fire{fire("r1", key, &b, true)}})
	if err != nil {
		t.Fatalf("CommitTick 1: %v", err)
	}
	if len(res.Emitted) != 1 || len(res.Suppressed) != 0 {
		t.Fatalf("tick 1: emitted=%d suppressed=%d", len(res.Emitted), len(res.Suppressed))
	}

	// Same bar again, as an overlapping tick would produce.
	res, err = s.CommitTick(ctx, model.TickCommit{Now: now.Add(time.Minute), Evaluated: []string{"r1"}, Fires: []model.Fire{fire("r1", key, &b, true)}})
	if err != nil {
		t.Fatalf("CommitTick 2: %v", err)
	}
	if len(res.Emitted) != 0 || len(res.Suppressed) != 1 {
		t.Fatalf("tick 2: emitted=%d suppressed=%d", len(res.Emitted), len(res.Suppressed))
	}
	if n := count(t, s, "alerts"); n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
	if n := count(t, s, "order_intents"); n != 1 {
		t.Errorf("order intents = %d, want 1", n)
	}

	r, err := s.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if r.LastEvaluatedAt == nil || !r.LastEvaluatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("last_evaluated_at = %v", r.LastEvaluatedAt)
	}
	if r.LastTriggeredAt == nil || !r.LastTriggeredAt.Equal(bar) {
		t.Errorf("last_triggered_at = %v, want bar time", r.LastTriggeredAt)
	}
	if r.LastTriggerBarTime == nil || !r.LastTriggerBarTime.Equal(bar) {
		t.Errorf("last_trigger_bar_time = %v", r.LastTriggerBarTime)
	}

	last, err := s.LastTrigger(ctx, "r1", sbin)
	if err != nil || last == nil || last.BarTime == nil || !last.BarTime.Equal(bar) {
		t.Errorf("LastTrigger = %+v, %v", last, err)
	}
	if last, _ := s.LastTrigger(ctx, "r1", model.Instrument{Symbol: "ITC", Exchange: "NSE"}); last != nil {
		t.Errorf("other symbol should have no trigger, got %+v", last)
	}

	pending, err := s.PendingIntents(ctx)
	if err != nil || len(pending) != 1 || pending[0].Side != model.SideBuy {
		t.Errorf("PendingIntents = %+v, %v", pending, err)
	}
}

func TestCommitTick_UnresolvedBarStampsNow(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRule(ctx, testRule("r1", model.TriggerEveryTime)); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if _, err := s.CommitTick(ctx, model.TickCommit{Now: now, Evaluated: []string{"r1"}, Fires: []model.Fire{fire("r1", "t:1", nil, false)}}); err != nil {
		t.Fatalf("CommitTick: %v", err)
	}
	r, _ := s.GetRule(ctx, "r1")
	if r.LastTriggeredAt == nil || !r.LastTriggeredAt.Equal(now) || r.LastTriggerBarTime != nil {
		t.Errorf("got triggered=%v bar=%v", r.LastTriggeredAt, r.LastTriggerBarTime)
	}
}

func TestPruneAlerts_KeepsOnceMarkersAndNewest(t *testing.T) {
	s := newTestStore(t)
	b := bar
	at := func(f model.Fire, d time.Duration) model.Fire {
		f.Alert.TriggeredAt = now.Add(d)
		return f
	}
	_, err := s.CommitTick(ctx, model.TickCommit{Now: now, Fires: []model.Fire{
		at(fire("r1", "once", &b, false), -3*time.Hour),
		at(fire("r2", "t:a", nil, false), -3*time.Hour),
		at(fire("r2", "t:b", nil, false), -2*time.Hour),
		at(fire("r2", "t:c", nil, false), -time.Hour),
	}})
	if err != nil {
		t.Fatalf("CommitTick: %v", err)
	}
	n, err := s.PruneAlerts(ctx, now)
	if err != nil {
		t.Fatalf("PruneAlerts: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	alerts, err := s.RecentAlerts(ctx, "", 10)
	if err != nil || len(alerts) != 2 {
		t.Fatalf("RecentAlerts = %+v, %v", alerts, err)
	}
	for _, a := range alerts {
		if a.RuleID == "r2" && !a.TriggeredAt.Equal(now.Add(-time.Hour)) {
			t.Errorf("kept r2 alert from %v, want the newest", a.TriggeredAt)
		}
	}
}

func TestPruneAlerts_SameBarDoesNotRefire(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRule(ctx, testRule("r1", model.TriggerOncePerBar)); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	key := fmt.Sprintf("bar:%d", bar.Unix())
	b := bar
	if _, err := s.CommitTick(ctx, model.TickCommit{Now: now, Evaluated: []string{"r1"}, Fires: []model.Fire{fire("r1", key, &b, false)}}); err != nil {
		t.Fatalf("CommitTick 1: %v", err)
	}

	// The bar outlives the retention window, e.g. a stalled feed.
	later := now.Add(24 * time.Hour)
	if n, err := s.PruneAlerts(ctx, later); err != nil || n != 0 {
		t.Fatalf("PruneAlerts = %d, %v; want 0", n, err)
	}
	last, err := s.LastTrigger(ctx, "r1", sbin)
	if err != nil || last == nil || last.BarTime == nil || !last.BarTime.Equal(bar) {
		t.Fatalf("LastTrigger after prune = %+v, %v", last, err)
	}

	res, err := s.CommitTick(ctx, model.TickCommit{Now: later, Evaluated: []string{"r1"}, Fires: []model.Fire{fire("r1", key, &b, false)}})
	if err != nil {
		t.Fatalf("CommitTick 2: %v", err)
	}
	if len(res.Emitted) != 0 || len(res.Suppressed) != 1 {
		t.Errorf("same bar after prune: emitted=%d suppressed=%d", len(res.Emitted), len(res.Suppressed))
	}
}

// ────────────────────────────────────────────────────────────
// Providers
// ────────────────────────────────────────────────────────────

func TestCandles_RangeOrderAndReplace(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	var candles []model.Candle
	for i := 4; i >= 0; i-- {
		c := float64(100 + i)
		candles = append(candles, model.Candle{Symbol: "SBIN", Exchange: "NSE", Timeframe: model.TF5m,
			TS: base.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10})
	}
	if err := s.UpsertCandles(ctx, candles); err != nil {
		t.Fatalf("UpsertCandles: %v", err)
	}
	fixed := candles[0]
	fixed.Close = 999
	if err := s.UpsertCandles(ctx, []model.Candle{fixed}); err != nil {
		t.Fatalf("UpsertCandles replace: %v", err)
	}

	got, err := s.LoadCandles(ctx, "SBIN", "NSE", model.TF5m, base.Add(5*time.Minute), base.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("LoadCandles: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d candles, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].TS.After(got[i-1].TS) {
			t.Fatal("candles not ordered oldest first")
		}
	}
	if got[3].Close != 999 {
		t.Errorf("replaced close = %v", got[3].Close)
	}
	if other, _ := s.LoadCandles(ctx, "SBIN", "NSE", model.TF1d, base, base.Add(time.Hour)); len(other) != 0 {
		t.Errorf("other timeframe leaked %d candles", len(other))
	}
}

func TestGroupMembers_Visibility(t *testing.T) {
	s := newTestStore(t)
	members := []model.Instrument{{Symbol: "TCS", Exchange: "NSE"}, {Symbol: "INFY", Exchange: "NSE"}}
	if err := s.SaveGroup(ctx, "g-private", "alice", "IT", false, members); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	if err := s.SaveGroup(ctx, "g-shared", "admin", "Nifty IT", true, members[:1]); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}

	got, err := s.GroupMembers(ctx, "g-private", "alice")
	if err != nil || len(got) != 2 || got[0].Symbol != "TCS" {
		t.Errorf("owner view: %v, %v", got, err)
	}
	if got, _ := s.GroupMembers(ctx, "g-private", "bob"); len(got) != 0 {
		t.Errorf("private group visible to other owner: %v", got)
	}
	if got, _ := s.GroupMembers(ctx, "g-shared", "bob"); len(got) != 1 {
		t.Errorf("shared group: %v", got)
	}
	if got, err := s.GroupMembers(ctx, "missing", "alice"); err != nil || len(got) != 0 {
		t.Errorf("missing group: %v, %v", got, err)
	}
}

func TestHoldingsPositionsExpressions(t *testing.T) {
	s := newTestStore(t)
	err := s.ReplaceHoldings(ctx, "alice", []model.Holding{
		{Symbol: "SBIN", Exchange: "NSE", Qty: 10},
		{Symbol: "ITC", Exchange: "NSE", Qty: 0},
	})
	if err != nil {
		t.Fatalf("ReplaceHoldings: %v", err)
	}
	h, err := s.Holdings(ctx, "alice")
	if err != nil || len(h) != 2 || h[0].Product != "CNC" {
		t.Errorf("Holdings = %+v, %v", h, err)
	}

	if err := s.SetPosition(ctx, "alice", "SBIN", "NSE", "CNC", 40); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if q, ok, err := s.PositionQty(ctx, "alice", "SBIN", "CNC"); err != nil || !ok || q != 40 {
		t.Errorf("PositionQty = %v %v %v", q, ok, err)
	}
	if _, ok, err := s.PositionQty(ctx, "alice", "SBIN", "MIS"); err != nil || ok {
		t.Errorf("missing product: ok=%v err=%v", ok, err)
	}

	if err := s.SaveExpression(ctx, "alice", "oversold", []byte(rsiCond), now); err != nil {
		t.Fatalf("SaveExpression: %v", err)
	}
	if body, err := s.SavedExpression(ctx, "alice", "oversold"); err != nil || string(body) != rsiCond {
		t.Errorf("SavedExpression = %s, %v", body, err)
	}
	if _, err := s.SavedExpression(ctx, "bob", "oversold"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other owner: %v", err)
	}
}
