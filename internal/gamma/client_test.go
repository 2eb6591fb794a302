package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

// 2025-12-15T09:45:00Z is a window boundary.
var windowStart = time.Unix(1765791900, 0).UTC()

type gammaStub struct {
	mu     sync.Mutex
	events map[string]string
	asked  []string
}

func (g *gammaStub) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/events" {
		http.NotFound(w, r)
		return
	}
	slug := r.URL.Query().Get("slug")
	g.mu.Lock()
	g.asked = append(g.asked, slug)
	body, ok := g.events[slug]
	g.mu.Unlock()
	if !ok {
		body = "[]"
	}
	if body == "500" {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newStub(t *testing.T, events map[string]string) (*Client, *gammaStub) {
	t.Helper()
	g := &gammaStub{events: events}
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, g
}

func eventJSON(slug string, accepting bool, tokens string) string {
	b, _ := json.Marshal([]map[string]any{{
		"slug": slug,
		"markets": []map[string]any{{
			"slug":            slug,
			"conditionId":     "0xcond-" + slug,
			"acceptingOrders": accepting,
			"outcomes":        `["Up","Down"]`,
			"clobTokenIds":    tokens,
		}},
	}})
	return string(b)
}

func TestWindowSlug(t *testing.T) {
	mid := windowStart.Add(7*time.Minute + 13*time.Second)
	if got := WindowSlug("BTC", mid, 0); got != "btc-updown-15m-1765791900" {
		t.Fatalf("slug: %s", got)
	}
	if got := WindowSlug("eth", mid, 900); got != "eth-updown-15m-1765792800" {
		t.Fatalf("slug +900: %s", got)
	}
}

func TestResolvePair_CurrentWindow(t *testing.T) {
	slug := "btc-updown-15m-1765791900"
	c, g := newStub(t, map[string]string{slug: eventJSON(slug, true, `["1","2"]`)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := c.ResolvePair(ctx, "btc", windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("ResolvePair: %v", err)
	}
	want := trading.Pair{Symbol: "BTC", Slug: slug, ConditionID: "0xcond-" + slug, TokenA: "1", TokenB: "2"}
	if p != want {
		t.Fatalf("pair: %#v", p)
	}
	if len(g.asked) != 1 {
		t.Fatalf("probed %v", g.asked)
	}
}

func TestResolvePair_SkipsClosedAndMalformedWindows(t *testing.T) {
	s0 := "sol-updown-15m-1765791900"
	s1 := "sol-updown-15m-1765792800"
	s2 := "sol-updown-15m-1765793700"
	c, g := newStub(t, map[string]string{
		s0: eventJSON(s0, false, `["1","2"]`),
		s1: eventJSON(s1, true, `["1"]`),
		s2: eventJSON(s2, true, `5, "6"`),
	})

	p, err := c.ResolvePair(context.Background(), "SOL", windowStart)
	if err != nil {
		t.Fatalf("ResolvePair: %v", err)
	}
	if p.Slug != s2 || p.TokenA != "5" || p.TokenB != "6" {
		t.Fatalf("pair: %#v", p)
	}
	if len(g.asked) != 3 {
		t.Fatalf("probed %v", g.asked)
	}
}

func TestResolvePair_NotAvailable(t *testing.T) {
	s0 := "xrp-updown-15m-1765791900"
	c, g := newStub(t, map[string]string{s0: "500"})

	_, err := c.ResolvePair(context.Background(), "XRP", windowStart)
	if !errors.Is(err, trading.ErrPairNotAvailable) {
		t.Fatalf("want ErrPairNotAvailable, got %v", err)
	}
	if len(g.asked) != 3 {
		t.Fatalf("probed %v", g.asked)
	}
}

func TestResolvePair_ArrayTokenIDs(t *testing.T) {
	slug := "eth-updown-15m-1765791900"
	body := `[{"slug":"` + slug + `","markets":[{"slug":"` + slug + `","conditionId":"0xc","acceptingOrders":true,"outcomes":["Up","Down"],"clobTokenIds":["10","20"]}]}]`
	c, _ := newStub(t, map[string]string{slug: body})

	p, err := c.ResolvePair(context.Background(), "ETH", windowStart)
	if err != nil {
		t.Fatalf("ResolvePair: %v", err)
	}
	if p.TokenA != "10" || p.TokenB != "20" || p.ConditionID != "0xc" {
		t.Fatalf("pair: %#v", p)
	}
}

func TestStringList(t *testing.T) {
	cases := map[string][]string{
		`null`:             nil,
		`"[\"a\",\"b\"]"`:  {"a", "b"},
		`["a"," ","b"]`:    {"a", "b"},
		`"a, \"b\""`:       {"a", "b"},
		`""`:               nil,
	}
	for in, want := range cases {
		var got stringList
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s: got %#v want %#v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: got %#v want %#v", in, got, want)
			}
		}
	}
}

func TestNewClient_RejectsBadScheme(t *testing.T) {
	if _, err := NewClient("ftp://x"); err == nil {
		t.Fatal("expected error")
	}
	c, err := NewClient("")
	if err != nil || c.host != DefaultURL {
		t.Fatalf("default host: %v %v", c, err)
	}
}
