package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading-alerts/internal/model"
)

func fire(id, owner string) model.Fire {
	return model.Fire{Alert: &model.Alert{ID: id, RuleID: "r1", Owner: owner, Symbol: "SBIN", Exchange: "NSE"}}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// next reads envelopes until want have arrived; frames may carry several.
func next(t *testing.T, conn *websocket.Conn, want int) []Envelope {
	t.Helper()
	var out []Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < want {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d envelopes: %v", len(out), err)
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var env Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			out = append(out, env)
		}
	}
	return out
}

func TestHub_DeliversToOwnerOnly(t *testing.T) {
	h := NewHub(10)
	srv := httptest.NewServer(h)
	defer srv.Close()

	alice := dial(t, srv, "owner=alice")
	bob := dial(t, srv, "owner=bob")
	waitClients(t, h, 2)

	h.Deliver(context.Background(), []model.Fire{fire("a1", "alice"), fire("b1", "bob"), fire("a2", "alice")})

	got := next(t, alice, 2)
	if got[0].Alert.ID != "a1" || got[1].Alert.ID != "a2" || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("alice got %+v", got)
	}
	if got := next(t, bob, 1); got[0].Alert.ID != "b1" || got[0].Seq != 1 {
		t.Fatalf("bob got %+v", got)
	}
}

func TestHub_ReplaysSince(t *testing.T) {
	h := NewHub(2)
	srv := httptest.NewServer(h)
	defer srv.Close()

	h.Deliver(context.Background(), []model.Fire{fire("a1", "alice"), fire("a2", "alice"), fire("a3", "alice")})

	conn := dial(t, srv, "owner=alice&since=0")
	got := next(t, conn, 2)
	// Capacity 2 keeps seq 2 and 3.
	if got[0].Seq != 2 || got[1].Seq != 3 || !got[0].Replay {
		t.Fatalf("replay = %+v", got)
	}
}

func TestHub_RejectsBadRequests(t *testing.T) {
	h := NewHub(10)
	for _, q := range []string{"", "owner=alice&since=x"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/alerts?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status %d, want 400", q, rec.Code)
		}
	}
}

func TestHub_TracksDisconnects(t *testing.T) {
	h := NewHub(10)
	counts := make(chan int, 4)
	h.OnClientsChanged = func(n int) { counts <- n }
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "owner=alice")
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)

	if a, b := <-counts, <-counts; a != 1 || b != 0 {
		t.Errorf("client counts = %d, %d", a, b)
	}
}

func TestReplayBuffer_Wraps(t *testing.T) {
	rb := newReplayBuffer(3)
	for i := int64(1); i <= 5; i++ {
		rb.push(i, []byte{byte(i)})
	}
	got := rb.after(0)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("after(0) = %+v", got)
	}
	if got := rb.after(4); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("after(4) = %+v", got)
	}
}
