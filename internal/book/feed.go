package book

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
)

const DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const DefaultPingInterval = 10 * time.Second

type subscribeRequest struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

type FeedOptions struct {
	URL          string
	PingInterval time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	return o
}

// Feed keeps a market channel subscription for a changing set of tokens and
// applies every event to the Store. Changing the set reconnects; the venue
// sends a fresh book snapshot for each asset on subscribe.
type Feed struct {
	store *Store
	opts  FeedOptions

	mu     sync.Mutex
	tokens []string
	resub  chan struct{}
}

func NewFeed(store *Store, opts FeedOptions) *Feed {
	return &Feed{
		store: store,
		opts:  opts.withDefaults(),
		resub: make(chan struct{}, 1),
	}
}

// SetTokens replaces the subscribed token set.
func (f *Feed) SetTokens(tokens []string) {
	next := slices.Clone(tokens)
	slices.Sort(next)
	next = slices.Compact(next)

	f.mu.Lock()
	if slices.Equal(next, f.tokens) {
		f.mu.Unlock()
		return
	}
	f.tokens = next
	f.mu.Unlock()

	select {
	case f.resub <- struct{}{}:
	default:
	}
}

func (f *Feed) currentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.tokens)
}

// Run connects and reconnects with jittered exponential backoff until ctx
// is done. Errors are logged and counted, never returned.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.opts.BackoffMin
	for ctx.Err() == nil {
		tokens := f.currentTokens()
		if len(tokens) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-f.resub:
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.opts.URL, nil)
		if err != nil {
			f.fail(fmt.Errorf("market ws dial: %w", err))
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, f.opts.BackoffMax)
			continue
		}
		backoff = f.opts.BackoffMin
		log.Printf("[book] market ws connected (%d assets)", len(tokens))

		err = f.session(ctx, conn, tokens)
		_ = conn.Close()
		if errors.Is(err, errResubscribe) {
			continue
		}
		if err != nil && ctx.Err() == nil {
			f.fail(err)
		}
		if ctx.Err() != nil {
			return
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, f.opts.BackoffMax)
	}
}

var errResubscribe = errors.New("token set changed")

func (f *Feed) fail(err error) {
	log.Printf("[warn] %v", err)
	if f.store.metrics != nil {
		f.store.metrics.FeedErrors.Inc()
	}
}

func (f *Feed) session(ctx context.Context, conn *websocket.Conn, tokens []string) error {
	req, err := json.Marshal(subscribeRequest{AssetsIDs: tokens, Type: "market"})
	if err != nil {
		return fmt.Errorf("market ws subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("market ws subscribe write: %w", err)
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }
	defer stopAll()

	var resubscribed bool
	var resubMu sync.Mutex

	go func() {
		t := time.NewTicker(f.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-f.resub:
				resubMu.Lock()
				resubscribed = true
				resubMu.Unlock()
				_ = conn.Close()
				return
			case <-t.C:
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					f.fail(fmt.Errorf("market ws ping: %w", err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			resubMu.Lock()
			r := resubscribed
			resubMu.Unlock()
			if r {
				return errResubscribe
			}
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("market ws read: %w", err)
		}
		if (typ != websocket.TextMessage && typ != websocket.BinaryMessage) || len(msg) == 0 {
			continue
		}
		switch string(msg) {
		case "PONG", "pong":
			f.store.Touch(f.store.now())
			continue
		case "PING", "ping":
			continue
		}

		evs, err := DecodeEvents(msg)
		if err != nil {
			f.fail(fmt.Errorf("market ws decode: %w", err))
			continue
		}
		for _, ev := range evs {
			if err := f.store.Apply(ev); err != nil {
				f.fail(err)
			}
		}
	}
}

// Snapshotter is the REST order book source used to seed the store.
type Snapshotter interface {
	GetOrderBook(ctx context.Context, tokenID string) (*clob.OrderBookSummary, error)
}

// Seed loads a REST snapshot for each token so quotes exist before the
// first websocket message. Failures are collected, not fatal.
func Seed(ctx context.Context, src Snapshotter, store *Store, tokens ...string) error {
	var errs []error
	for _, tok := range tokens {
		snap, err := src.GetOrderBook(ctx, tok)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", tok, err))
			continue
		}
		if err := store.Apply(Event{EventType: "book", AssetID: tok, Bids: snap.Bids, Asks: snap.Asks}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
