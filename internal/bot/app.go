package bot

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lingreerjr-eng/polybot-ws/internal/alert"
	"github.com/lingreerjr-eng/polybot-ws/internal/book"
	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/execution"
	"github.com/lingreerjr-eng/polybot-ws/internal/gamma"
	"github.com/lingreerjr-eng/polybot-ws/internal/hedge"
	"github.com/lingreerjr-eng/polybot-ws/internal/journal"
	"github.com/lingreerjr-eng/polybot-ws/internal/metrics"
	"github.com/lingreerjr-eng/polybot-ws/internal/polygonutil"
	"github.com/lingreerjr-eng/polybot-ws/internal/risk"
)

// TokenSubscriber is the part of book.Feed the watcher drives.
type TokenSubscriber interface {
	SetTokens(tokens []string)
}

// MarketWatcher keeps the websocket subscription, the quote store and the
// CLOB metadata caches in step with the traded tokens.
type MarketWatcher struct {
	Feed    TokenSubscriber
	Store   *book.Store
	Source  book.Snapshotter
	Warm    func(ctx context.Context, tokens ...string) error
	Timeout time.Duration

	mu    sync.Mutex
	known map[string]struct{}
}

func (w *MarketWatcher) Watch(ctx context.Context, tokens []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]struct{}, len(tokens))
	var added, removed []string
	for _, t := range tokens {
		next[t] = struct{}{}
		if _, ok := w.known[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range w.known {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}
	w.known = next

	if w.Feed != nil {
		w.Feed.SetTokens(tokens)
	}
	if w.Store != nil && len(removed) > 0 {
		w.Store.Forget(removed...)
	}
	if len(added) == 0 {
		return
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if w.Source != nil && w.Store != nil {
		if err := book.Seed(cctx, w.Source, w.Store, added...); err != nil {
			log.Printf("[warn] book seed: %v", err)
		}
	}
	if w.Warm != nil {
		if err := w.Warm(cctx, added...); err != nil {
			log.Printf("[warn] market metadata warmup: %v", err)
		}
	}
}

// Main wires every component from cfg and runs until SIGINT/SIGTERM.
// Startup failures are fatal.
func Main(cfg Config) {
	pk, ephemeral, err := parseOrGeneratePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if ephemeral {
		log.Printf("[cfg] no private key provided; using ephemeral key for dry-run")
	}
	signer := crypto.PubkeyToAddress(pk.PublicKey)
	funder := cfg.Funder
	if (funder == common.Address{}) {
		funder = signer
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
			log.Printf("Shutting down…")
			cancel()
		}
	}()

	sinks := journal.Multi{}
	if j := journal.NewJSONL(cfg.OutFile); j != nil {
		log.Printf("[cfg] decision journal: %s (JSONL)", j.Path())
		sinks = append(sinks, j)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pgCtx, pgCancel := context.WithTimeout(ctx, 15*time.Second)
		pg, err := journal.NewPostgres(pgCtx, cfg.DatabaseURL)
		pgCancel()
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		log.Printf("[cfg] decision journal: postgres")
		sinks = append(sinks, pg)
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Printf("[warn] journal close: %v", err)
		}
	}()

	alerters := alert.Fanout{alert.Log{}}
	if wh := alert.NewWebhook(cfg.AlertWebhookURL); wh != nil {
		alerters = append(alerters, wh)
	}

	m := metrics.New("polybot")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Printf("[warn] metrics server: %v", err)
			}
		}()
	}

	client, err := clob.NewClient(cfg.ClobHost, pk, funder, cfg.SignatureType, clob.WithServerTime(cfg.UseServerTime))
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	logConfig(cfg, signer, funder)

	if cfg.EnableTrading {
		if cfg.APIKey != "" && cfg.APISecret != "" && cfg.APIPassphrase != "" {
			client.SetApiCreds(clob.ApiKeyCreds{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.APIPassphrase})
		} else {
			credCtx, credCancel := context.WithTimeout(ctx, 15*time.Second)
			creds, err := client.EnsureApiCreds(credCtx, cfg.APINonce)
			credCancel()
			if err != nil {
				log.Fatalf("[fatal] failed to create/derive api key: %v", err)
			}
			log.Printf("CLOB API creds ready (key=%s…)", safePrefix(creds.Key, 8))
		}
		preflight(ctx, cfg, client, funder)
	}

	var venueOpts []clob.VenueOption
	if cfg.ReconcileDelay > 0 {
		venueOpts = append(venueOpts, clob.WithReconcile(cfg.ReconcileDelay))
	}
	venue, err := clob.NewVenue(client, venueOpts...)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	store := book.NewStore(cfg.QuoteMaxAge, book.WithMetrics(m))
	feed := book.NewFeed(store, book.FeedOptions{URL: cfg.WSURL})
	go feed.Run(ctx)

	gammaClient, err := gamma.NewClient(cfg.GammaURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	gate, err := risk.NewGate(cfg.Limits())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	exec, err := execution.New(venue, execution.Options{Strategy: cfg.Strategy, DryRun: !cfg.EnableTrading, Journal: sinks})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	hedger, err := hedge.New(venue, store, cfg.HedgeConfig(),
		hedge.WithAlerter(alerters),
		hedge.WithJournal(sinks),
		hedge.WithMetrics(m),
	)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	runner, err := NewRunner(cfg, Deps{
		Pairs:    gammaClient,
		Quotes:   store,
		Executor: exec,
		Hedger:   hedger,
		Gate:     gate,
		Watcher: &MarketWatcher{
			Feed:    feed,
			Store:   store,
			Source:  client,
			Warm:    client.Warm,
			Timeout: 2 * cfg.RequestTimeout,
		},
		Journal: sinks,
		Metrics: m,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	log.Printf("Listening…")
	if err := runner.Run(ctx); err != nil {
		log.Fatalf("[fatal] %v", err)
	}
}

func logConfig(cfg Config, signer, funder common.Address) {
	log.Printf("Polymarket up/down pair bot (strategy=%s)", cfg.Strategy)
	log.Printf("Symbols: %s", strings.Join(cfg.Symbols, ", "))
	log.Printf("Signer: %s Funder: %s (signature_type=%d)", signer.Hex(), funder.Hex(), cfg.SignatureType)
	log.Printf("Size: %s entry<=%s hedge cap=%s min price=%s", cfg.PairSize, cfg.EntrySumMax, cfg.HedgeSumMax, cfg.MinPrice)
	log.Printf("Risk: max daily loss=%s max inventory=%s", cfg.MaxDailyLoss, cfg.MaxInventory)
	log.Printf("Timing: poll=%s cooldown=%s recovery delay=%s request timeout=%s quote max age=%s",
		cfg.PollInterval, cfg.Cooldown, cfg.RecoveryDelay, cfg.RequestTimeout, cfg.QuoteMaxAge)
	log.Printf("Dry-run: %v", !cfg.EnableTrading)
}

// preflight warns when the funder cannot cover one pair. It never blocks
// startup; the venue rejects underfunded orders anyway.
func preflight(ctx context.Context, cfg Config, client *clob.Client, funder common.Address) {
	pfCtx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()
	funds, warnings, err := polygonutil.Check(pfCtx, polygonutil.CheckRequest{
		RPCURL:   cfg.RPCURL,
		ChainID:  client.ChainID(),
		Owner:    funder,
		Required: cfg.PairCost(),
		Venue:    client,
	})
	if err != nil {
		log.Printf("[warn] collateral preflight skipped: %v", err)
		return
	}
	log.Printf("[cfg] collateral (%s): usdc=%s min allowance=%s pair cost=%s",
		funds.Source, funds.Balance.StringFixed(2), funds.MinAllowance().StringFixed(2), cfg.PairCost().StringFixed(2))
	for _, w := range warnings {
		log.Printf("[warn] %s", w)
	}
}

func parseOrGeneratePrivateKey(hexKey string) (*ecdsa.PrivateKey, bool, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey != "" {
		pk, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, false, fmt.Errorf("invalid private key: %w", err)
		}
		return pk, false, nil
	}
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return pk, true, nil
}

func safePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
