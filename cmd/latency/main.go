package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/lingreerjr-eng/polybot-ws/internal/book"
	"github.com/lingreerjr-eng/polybot-ws/internal/bot"
	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/dotenv"
	"github.com/lingreerjr-eng/polybot-ws/internal/gamma"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

type probes struct {
	clobTime   *ring
	clobBook   *ring
	wsDial     *ring
	wsFirstBk  *ring
	wsPong     *ring
	wsEvents   atomic.Int64
	offsetMs   atomic.Int64
	haveOffset atomic.Bool
}

func newProbes(capacity int) *probes {
	return &probes{
		clobTime:  newRing(capacity),
		clobBook:  newRing(capacity),
		wsDial:    newRing(capacity),
		wsFirstBk: newRing(capacity),
		wsPong:    newRing(capacity),
	}
}

// latency measures the round trips the pair bot depends on: CLOB GET /time
// and GET /book for the current window's tokens, and the market channel
// (dial, first snapshot after subscribe, PING/PONG).
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	var (
		label      string
		duration   time.Duration
		printEvery time.Duration
		interval   time.Duration
		wsPing     time.Duration
		sampleCap  int
	)
	flag.StringVar(&label, "label", os.Getenv("LATENCY_LABEL"), "Optional label for this run (e.g. vpn-nyc)")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Total runtime (0 = run until Ctrl+C)")
	flag.DurationVar(&printEvery, "print-every", 5*time.Second, "How often to print summary stats")
	flag.DurationVar(&interval, "interval", 500*time.Millisecond, "Interval between CLOB HTTP probes")
	flag.DurationVar(&wsPing, "ws-ping", 2*time.Second, "Market channel PING interval")
	flag.IntVar(&sampleCap, "sample-cap", 4096, "Max samples kept per metric")

	cfg, err := bot.ParseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if printEvery <= 0 || interval <= 0 || wsPing <= 0 {
		log.Fatalf("[fatal] -print-every, -interval and -ws-ping must be > 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
			cancel()
		}
	}()

	// Public endpoints only; the key never signs anything.
	pk, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	client, err := clob.NewClient(cfg.ClobHost, pk, cfg.Funder, cfg.SignatureType)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	gammaClient, err := gamma.NewClient(cfg.GammaURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	symbol := cfg.Symbols[0]
	resCtx, resCancel := context.WithTimeout(ctx, 15*time.Second)
	pair, err := gammaClient.ResolvePair(resCtx, symbol, time.Now())
	resCancel()
	if err != nil {
		log.Fatalf("[fatal] resolve %s: %v", symbol, err)
	}
	log.Printf("[latency] label=%q pair=%s tokens=%s,%s", label, pair, pair.TokenA, pair.TokenB)

	p := newProbes(sampleCap)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		clobTimeLoop(ctx, client, interval, p)
	}()
	go func() {
		defer wg.Done()
		clobBookLoop(ctx, client, pair, interval, p)
	}()
	go func() {
		defer wg.Done()
		backoff := time.Second
		for ctx.Err() == nil {
			if err := marketLoop(ctx, cfg.WSURL, pair, wsPing, p); err != nil && ctx.Err() == nil {
				log.Printf("[ws] %v (reconnecting in %s)", err, backoff)
				select {
				case <-ctx.Done():
				case <-time.After(backoff):
				}
			}
		}
	}()

	ticker := time.NewTicker(printEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			printSummary(label, p)
			return
		case <-ticker.C:
			printSummary(label, p)
		}
	}
}

func clobTimeLoop(ctx context.Context, client *clob.Client, every time.Duration, p *probes) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		start := time.Now()
		ts, err := client.GetServerTime(ctx)
		rtt := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.clobTime.fail()
		} else {
			p.clobTime.add(rtt)
			// Server seconds against the local midpoint of the request.
			mid := start.Add(rtt / 2)
			p.offsetMs.Store(ts*1000 - mid.UnixMilli())
			p.haveOffset.Store(true)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func clobBookLoop(ctx context.Context, client *clob.Client, pair trading.Pair, every time.Duration, p *probes) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	tokens := [2]string{pair.TokenA, pair.TokenB}
	for i := 0; ; i++ {
		start := time.Now()
		_, err := client.GetOrderBook(ctx, tokens[i%2])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.clobBook.fail()
		} else {
			p.clobBook.add(time.Since(start))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// marketLoop holds one market channel session until it fails or ctx ends.
func marketLoop(ctx context.Context, wsURL string, pair trading.Pair, pingEvery time.Duration, p *probes) error {
	if wsURL == "" {
		wsURL = book.DefaultURL
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	dialStart := time.Now()
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		p.wsDial.fail()
		return fmt.Errorf("dial: %w", err)
	}
	p.wsDial.add(time.Since(dialStart))
	defer conn.Close()
	conn.SetReadLimit(32 << 20)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req, err := json.Marshal(map[string]any{
		"assets_ids": []string{pair.TokenA, pair.TokenB},
		"type":       "market",
	})
	if err != nil {
		return err
	}
	var writeMu sync.Mutex
	subSentAt := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var pingSentNs atomic.Int64
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := time.Now()
			if !pingSentNs.CompareAndSwap(0, now.UnixNano()) {
				// previous PING still unanswered
				continue
			}
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	firstBook := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * pingEvery))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if strings.TrimSpace(string(msg)) == "PONG" {
			if sent := pingSentNs.Swap(0); sent != 0 {
				p.wsPong.add(time.Since(time.Unix(0, sent)))
			}
			continue
		}
		events, err := book.DecodeEvents(msg)
		if err != nil {
			continue
		}
		p.wsEvents.Add(int64(len(events)))
		if !firstBook && hasBook(events) {
			firstBook = true
			p.wsFirstBk.add(time.Since(subSentAt))
		}
	}
}

func hasBook(events []book.Event) bool {
	for _, ev := range events {
		if ev.EventType == "book" {
			return true
		}
	}
	return false
}

func printSummary(label string, p *probes) {
	prefix := "[latency]"
	if label != "" {
		prefix = fmt.Sprintf("[latency %s]", label)
	}
	line := func(name string, r *ring) {
		log.Printf("%s %-14s %s errors=%d", prefix, name, summarize(r.snapshot()), r.failures())
	}
	line("clob /time", p.clobTime)
	line("clob /book", p.clobBook)
	line("ws dial", p.wsDial)
	line("ws first book", p.wsFirstBk)
	line("ws ping", p.wsPong)
	offset := "n/a"
	if p.haveOffset.Load() {
		offset = fmt.Sprintf("%+dms", p.offsetMs.Load())
	}
	log.Printf("%s ws events=%d clock offset=%s", prefix, p.wsEvents.Load(), offset)
}
