package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trading-alerts/internal/model"
)

func testFire(withIntent bool) model.Fire {
	bar := time.Date(2026, 3, 2, 10, 55, 0, 0, time.UTC)
	f := model.Fire{Alert: &model.Alert{
		ID: "a1", RuleID: "rsi-dip", Owner: "alice", Symbol: "SBIN", Exchange: "NSE",
		BarTime: &bar, TriggeredAt: bar.Add(5 * time.Minute),
		Reason: "RSI(14)@5m[28.40] < 30",
	}}
	if withIntent {
		f.Intent = &model.OrderIntent{
			ID: "oi1", AlertID: "a1", RuleID: "rsi-dip", Owner: "alice", Symbol: "SBIN", Exchange: "NSE",
			Side: model.SideBuy, Qty: 10, OrderType: "MARKET", Product: "CNC", Status: model.OrderStatusWaiting,
		}
	}
	return f
}

func TestFromFire(t *testing.T) {
	m := FromFire(testFire(false))
	if m.Level != LevelInfo || m.Title != "rsi-dip fired on NSE:SBIN" {
		t.Errorf("message = %+v", m)
	}
	if m.Body != "RSI(14)@5m[28.40] < 30\nbar 2026-03-02 10:55" {
		t.Errorf("body = %q", m.Body)
	}

	m = FromFire(testFire(true))
	if m.Level != LevelWarning || !strings.HasSuffix(m.Body, "order BUY 10 SBIN (MARKET CNC)") {
		t.Errorf("intent message = %+v", m)
	}
}

func TestMarkdownV2Escape(t *testing.T) {
	if got := markdownV2.Replace("RSI(14)@5m[28.40] < 30"); got != `RSI\(14\)@5m\[28\.40\] < 30` {
		t.Errorf("escaped = %s", got)
	}
}

func TestWebhookNotifier_PostsAlert(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), FromFire(testFire(true))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Alert == nil || got.Alert.ID != "a1" || got.Intent == nil || got.Intent.Qty != 10 {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), FromFire(testFire(false))); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(b, &body)
		text, _ = body["text"].(string)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), FromFire(testFire(false))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if !strings.Contains(text, `rsi\-dip fired on NSE:SBIN`) {
		t.Errorf("text = %q", text)
	}
}

type stubNotifier struct {
	name string
	err  error
	mu   sync.Mutex
	sent []Message
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return s.err
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	d := NewDispatcher(time.Second, bad, ok)

	var mu sync.Mutex
	failures := map[string]int{}
	d.OnFailure = func(name string) {
		mu.Lock()
		failures[name]++
		mu.Unlock()
	}

	d.Deliver(context.Background(), []model.Fire{testFire(false), testFire(true)})

	if len(ok.sent) != 2 || len(bad.sent) != 2 {
		t.Fatalf("sent ok=%d bad=%d, want 2 each", len(ok.sent), len(bad.sent))
	}
	if failures["bad"] != 2 || failures["ok"] != 0 {
		t.Errorf("failures = %v", failures)
	}
}
