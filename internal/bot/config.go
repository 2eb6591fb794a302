package bot

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/book"
	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/execution"
	"github.com/lingreerjr-eng/polybot-ws/internal/gamma"
	"github.com/lingreerjr-eng/polybot-ws/internal/hedge"
	"github.com/lingreerjr-eng/polybot-ws/internal/risk"
)

var DefaultSymbols = []string{"BTC", "ETH", "SOL", "XRP"}

// Config is read once at startup and never modified afterwards.
type Config struct {
	Symbols []string

	GammaURL string
	ClobHost string
	WSURL    string
	RPCURL   string

	PrivateKeyHex string
	Funder        common.Address
	SignatureType int

	APIKey        string
	APISecret     string
	APIPassphrase string
	APINonce      uint64
	UseServerTime bool

	EnableTrading bool
	Strategy      execution.Strategy

	PairSize     decimal.Decimal
	EntrySumMax  decimal.Decimal
	HedgeSumMax  decimal.Decimal
	MinPrice     decimal.Decimal
	MaxDailyLoss decimal.Decimal
	MaxInventory decimal.Decimal

	RecoveryDelay  time.Duration
	PollInterval   time.Duration
	QuoteMaxAge    time.Duration
	RequestTimeout time.Duration
	Cooldown       time.Duration
	ReconcileDelay time.Duration

	OutFile         string
	DatabaseURL     string
	AlertWebhookURL string
	MetricsAddr     string
}

// env reads the first non-empty variable among keys.
type env func(string) string

func (e env) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(e(k)); v != "" {
			return v
		}
	}
	return ""
}

func (e env) or(def string, keys ...string) string {
	if v := e.first(keys...); v != "" {
		return v
	}
	return def
}

// ParseConfig registers flags on fs and parses argv. Every flag defaults to
// its environment variable, so .env values apply unless a flag overrides them.
func ParseConfig(fs *flag.FlagSet, argv []string, getenv func(string) string) (Config, error) {
	e := env(getenv)

	durations := map[string]struct {
		keys []string
		def  time.Duration
	}{
		"recovery-delay":  {[]string{"RECOVERY_DELAY"}, 150 * time.Millisecond},
		"poll":            {[]string{"POLL_INTERVAL"}, 250 * time.Millisecond},
		"quote-max-age":   {[]string{"QUOTE_MAX_AGE"}, 30 * time.Second},
		"request-timeout": {[]string{"REQUEST_TIMEOUT"}, 5 * time.Second},
		"cooldown":        {[]string{"COOLDOWN"}, 5 * time.Second},
		"reconcile-delay": {[]string{"RECONCILE_DELAY"}, 0},
	}
	durDefaults := make(map[string]time.Duration, len(durations))
	for name, d := range durations {
		v := d.def
		if raw := e.first(d.keys...); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", d.keys[0], raw, err)
			}
			v = parsed
		}
		durDefaults[name] = v
	}

	boolDefault := func(def bool, keys ...string) (bool, error) {
		raw := e.first(keys...)
		if raw == "" {
			return def, nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s %q: %w", keys[0], raw, err)
		}
		return v, nil
	}
	enableTradingDefault, err := boolDefault(false, "ENABLE_TRADING")
	if err != nil {
		return Config{}, err
	}
	useServerTimeDefault, err := boolDefault(false, "USE_SERVER_TIME", "CLOB_USE_SERVER_TIME")
	if err != nil {
		return Config{}, err
	}

	signatureTypeDefault := clob.SignatureEOA
	if raw := e.first("CLOB_SIGNATURE_TYPE", "SIGNATURE_TYPE"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid signature type env %q: %w", raw, err)
		}
		signatureTypeDefault = v
	}
	var apiNonceDefault uint64
	if raw := e.first("CLOB_API_NONCE"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLOB_API_NONCE %q: %w", raw, err)
		}
		apiNonceDefault = v
	}

	var (
		symbolsFlag, funderFlag, strategyFlag                  string
		pairSizeFlag, entrySumFlag, hedgeSumFlag, minPriceFlag string
		maxLossFlag, maxInvFlag                                string
		cfg                                                    Config
	)
	durFlags := make(map[string]*time.Duration, len(durations))

	fs.StringVar(&symbolsFlag, "symbols", e.or(strings.Join(DefaultSymbols, ","), "SYMBOLS"), "Comma-separated symbols traded in 15m up/down windows (or SYMBOLS env)")
	fs.StringVar(&cfg.GammaURL, "gamma-url", e.or(gamma.DefaultURL, "GAMMA_URL"), "Gamma API base URL")
	fs.StringVar(&cfg.ClobHost, "clob-host", e.or(clob.DefaultHost, "CLOB_HOST", "CLOB_URL"), "CLOB REST base URL")
	fs.StringVar(&cfg.WSURL, "ws-url", e.or(book.DefaultURL, "CLOB_WS_URL"), "CLOB market channel websocket URL")
	fs.StringVar(&cfg.RPCURL, "rpc-url", e.first("RPC_URL", "RPC_WS_URL", "POLYGON_RPC_URL"), "Polygon RPC URL for the collateral preflight (falls back to the CLOB balance endpoint)")

	fs.StringVar(&cfg.PrivateKeyHex, "private-key", e.first("PRIVATE_KEY", "CLOB_PRIVATE_KEY"), "Hex private key (or PRIVATE_KEY env; dry-run generates an ephemeral key)")
	fs.StringVar(&funderFlag, "funder", e.first("FUNDER", "CLOB_FUNDER"), "Funder/proxy wallet address (defaults to signer)")
	fs.IntVar(&cfg.SignatureType, "signature-type", signatureTypeDefault, "0=EOA 1=Poly proxy 2=Gnosis safe (or CLOB_SIGNATURE_TYPE env)")

	fs.StringVar(&cfg.APIKey, "api-key", e.first("CLOB_API_KEY"), "CLOB API key (derived or created when unset)")
	fs.StringVar(&cfg.APISecret, "api-secret", e.first("CLOB_API_SECRET"), "CLOB API secret")
	fs.StringVar(&cfg.APIPassphrase, "api-passphrase", e.first("CLOB_API_PASSPHRASE"), "CLOB API passphrase")
	fs.Uint64Var(&cfg.APINonce, "api-nonce", apiNonceDefault, "Nonce used to derive/create the API key")
	fs.BoolVar(&cfg.UseServerTime, "use-server-time", useServerTimeDefault, "Sign L1/L2 headers with the CLOB server clock")

	fs.BoolVar(&cfg.EnableTrading, "enable-trading", enableTradingDefault, "Send real orders (or ENABLE_TRADING env); dry-run otherwise")
	fs.StringVar(&strategyFlag, "exec-strategy", e.or(string(execution.Direct), "EXEC_STRATEGY"), "Pair submission strategy: direct|presigned")

	fs.StringVar(&pairSizeFlag, "size", e.or("5", "PAIR_SIZE"), "Shares bought per leg")
	fs.StringVar(&entrySumFlag, "entry-sum-max", e.or("0.98", "ENTRY_SUM_MAX"), "Enter when askA+askB is at or below this")
	fs.StringVar(&hedgeSumFlag, "hedge-sum-max", e.or("1", "HEDGE_SUM_MAX"), "Combined price cap for refilling a missing leg")
	fs.StringVar(&minPriceFlag, "min-price", e.or("0.001", "MIN_PRICE"), "Floor for unwind sell prices")
	fs.StringVar(&maxLossFlag, "max-daily-loss", e.or("50", "MAX_DAILY_LOSS"), "Kill switch: stop admitting pairs at this realized loss")
	fs.StringVar(&maxInvFlag, "max-inventory", e.or("100", "MAX_INVENTORY"), "Per-token absolute inventory ceiling")

	for name, d := range durations {
		v := new(time.Duration)
		fs.DurationVar(v, name, durDefaults[name], "(or "+d.keys[0]+" env)")
		durFlags[name] = v
	}

	fs.StringVar(&cfg.OutFile, "out", e.first("OUT_FILE", "TRADE_LOG"), "Decision journal JSONL path (empty disables)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", e.first("DATABASE_URL"), "Postgres DSN for the decision journal (empty disables)")
	fs.StringVar(&cfg.AlertWebhookURL, "alert-webhook", e.first("ALERT_WEBHOOK_URL", "DISCORD_WEBHOOK_URL"), "Webhook for residual exposure alerts")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", e.first("METRICS_ADDR"), "Prometheus listen address, e.g. :9102 (empty disables)")

	if err := fs.Parse(argv); err != nil {
		return Config{}, err
	}

	cfg.Symbols = splitSymbols(symbolsFlag)
	if strings.TrimSpace(funderFlag) != "" {
		if !common.IsHexAddress(funderFlag) {
			return Config{}, fmt.Errorf("invalid funder address %q", funderFlag)
		}
		cfg.Funder = common.HexToAddress(funderFlag)
	}
	if cfg.Strategy, err = execution.ParseStrategy(strategyFlag); err != nil {
		return Config{}, err
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"size", pairSizeFlag, &cfg.PairSize},
		{"entry-sum-max", entrySumFlag, &cfg.EntrySumMax},
		{"hedge-sum-max", hedgeSumFlag, &cfg.HedgeSumMax},
		{"min-price", minPriceFlag, &cfg.MinPrice},
		{"max-daily-loss", maxLossFlag, &cfg.MaxDailyLoss},
		{"max-inventory", maxInvFlag, &cfg.MaxInventory},
	} {
		v, err := decimal.NewFromString(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}

	cfg.RecoveryDelay = *durFlags["recovery-delay"]
	cfg.PollInterval = *durFlags["poll"]
	cfg.QuoteMaxAge = *durFlags["quote-max-age"]
	cfg.RequestTimeout = *durFlags["request-timeout"]
	cfg.Cooldown = *durFlags["cooldown"]
	cfg.ReconcileDelay = *durFlags["reconcile-delay"]

	return cfg, cfg.Validate()
}

func splitSymbols(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol required"))
	}
	if !c.PairSize.IsPositive() {
		errs = append(errs, fmt.Errorf("size must be > 0, got %s", c.PairSize))
	}
	if !c.EntrySumMax.IsPositive() || c.EntrySumMax.GreaterThan(c.HedgeSumMax) {
		errs = append(errs, fmt.Errorf("entry-sum-max must be in (0, hedge-sum-max], got %s", c.EntrySumMax))
	}
	switch c.SignatureType {
	case clob.SignatureEOA, clob.SignaturePolyProxy, clob.SignatureGnosisSafe:
	default:
		errs = append(errs, fmt.Errorf("signature type must be 0, 1 or 2, got %d", c.SignatureType))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be > 0"))
	}
	if c.QuoteMaxAge < 0 || c.Cooldown < 0 || c.ReconcileDelay < 0 {
		errs = append(errs, errors.New("quote-max-age, cooldown and reconcile-delay must be >= 0"))
	}
	if c.ReconcileDelay > 0 && c.ReconcileDelay >= c.RequestTimeout {
		errs = append(errs, fmt.Errorf("reconcile-delay (%s) must be below request-timeout (%s)", c.ReconcileDelay, c.RequestTimeout))
	}
	if c.EnableTrading && strings.TrimSpace(c.PrivateKeyHex) == "" {
		errs = append(errs, errors.New("enable-trading requires PRIVATE_KEY"))
	}
	if err := c.HedgeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Limits().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) HedgeConfig() hedge.Config {
	return hedge.Config{
		CombinedPriceCap: c.HedgeSumMax,
		RecoveryDelay:    c.RecoveryDelay,
		MinPrice:         c.MinPrice,
		RequestTimeout:   c.RequestTimeout,
	}
}

func (c Config) Limits() risk.Limits {
	return risk.Limits{MaxDailyLoss: c.MaxDailyLoss, MaxInventoryPerToken: c.MaxInventory}
}

// PairCost is the most one attempt can spend: both legs bought at the cap.
func (c Config) PairCost() decimal.Decimal {
	return c.PairSize.Mul(c.HedgeSumMax)
}
