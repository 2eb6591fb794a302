// Package clob is a client for the Polymarket CLOB REST API: L1/L2 auth,
// market metadata, order signing and batch submission. Venue adapts it to
// trading.Venue.
package clob

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultHost          = "https://clob.polymarket.com"
	PolygonChainID int64 = 137

	// MaxBatchOrders is the venue's limit for POST /orders.
	MaxBatchOrders = 15
)

var (
	ErrAPICredsMissing = errors.New("clob: api creds not configured")
	ErrBatchTooLarge   = fmt.Errorf("clob: batch exceeds %d orders", MaxBatchOrders)
)

// HTTPError is a non-2xx answer from the CLOB.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("clob %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFAK OrderType = "FAK"
)

// SignatureType values accepted in orders.
const (
	SignatureEOA        = 0
	SignaturePolyProxy  = 1
	SignatureGnosisSafe = 2
)

type ApiKeyCreds struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

func (c ApiKeyCreds) complete() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

type apiKeyRaw struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// decimalString accepts JSON numbers or strings and keeps a canonical
// decimal representation ("0.0100" and 0.01 both become "0.01").
type decimalString string

func (d *decimalString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = ""
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	*d = decimalString(canonicalDecimal(s))
	return nil
}

func canonicalDecimal(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	whole, frac, ok := strings.Cut(s, ".")
	if !ok {
		return s
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

type Client struct {
	host          string
	httpClient    *http.Client
	chainID       int64
	privateKey    *ecdsa.PrivateKey
	signer        common.Address
	funder        common.Address
	signatureType int
	useServerTime bool

	mu       sync.RWMutex
	creds    *ApiKeyCreds
	tickSize map[string]string
	feeRate  map[string]int
	negRisk  map[string]bool
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithServerTime stamps auth headers with GET /time instead of the local clock.
func WithServerTime(on bool) Option { return func(c *Client) { c.useServerTime = on } }

func WithChainID(id int64) Option { return func(c *Client) { c.chainID = id } }

// NewClient builds a client for host. A zero funder means the signer holds
// the collateral (EOA mode).
func NewClient(host string, privateKey *ecdsa.PrivateKey, funder common.Address, signatureType int, opts ...Option) (*Client, error) {
	if host == "" {
		host = DefaultHost
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("clob host must be http(s), got %q", host)
	}
	if privateKey == nil {
		return nil, fmt.Errorf("private key required")
	}
	if signatureType < SignatureEOA || signatureType > SignatureGnosisSafe {
		return nil, fmt.Errorf("signature type must be 0, 1 or 2, got %d", signatureType)
	}
	signer := crypto.PubkeyToAddress(privateKey.PublicKey)
	if (funder == common.Address{}) {
		funder = signer
	}

	c := &Client{
		host:          host,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		chainID:       PolygonChainID,
		privateKey:    privateKey,
		signer:        signer,
		funder:        funder,
		signatureType: signatureType,
		tickSize:      make(map[string]string),
		feeRate:       make(map[string]int),
		negRisk:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SignerAddress() common.Address { return c.signer }
func (c *Client) FunderAddress() common.Address { return c.funder }
func (c *Client) ChainID() int64                { return c.chainID }

func (c *Client) SetApiCreds(creds ApiKeyCreds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = &creds
}

func (c *Client) HasApiCreds() bool {
	creds := c.apiCreds()
	return creds != nil && creds.complete()
}

func (c *Client) apiCreds() *ApiKeyCreds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var ts int64
	if err := c.do(ctx, http.MethodGet, "/time", nil, nil, nil, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

func (c *Client) authTimestamp(ctx context.Context) (int64, error) {
	if !c.useServerTime {
		return time.Now().Unix(), nil
	}
	return c.GetServerTime(ctx)
}

// EnsureApiCreds derives the API key for nonce, creating it when the derive
// call finds nothing, and installs it on the client.
func (c *Client) EnsureApiCreds(ctx context.Context, nonce uint64) (ApiKeyCreds, error) {
	creds, err := c.apiKey(ctx, http.MethodGet, "/auth/derive-api-key", nonce)
	if err != nil || !creds.complete() {
		// creating first would fail with NONCE_ALREADY_USED for existing keys
		creds, err = c.apiKey(ctx, http.MethodPost, "/auth/api-key", nonce)
		if err != nil {
			return ApiKeyCreds{}, err
		}
	}
	c.SetApiCreds(creds)
	return creds, nil
}

func (c *Client) apiKey(ctx context.Context, method, path string, nonce uint64) (ApiKeyCreds, error) {
	ts, err := c.authTimestamp(ctx)
	if err != nil {
		return ApiKeyCreds{}, err
	}
	headers, err := c.l1Headers(ts, nonce)
	if err != nil {
		return ApiKeyCreds{}, err
	}
	var resp apiKeyRaw
	if err := c.do(ctx, method, path, nil, headers, nil, &resp); err != nil {
		return ApiKeyCreds{}, err
	}
	return ApiKeyCreds{Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}, nil
}

func (c *Client) GetTickSize(ctx context.Context, tokenID string) (string, error) {
	c.mu.RLock()
	v, ok := c.tickSize[tokenID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	var resp struct {
		MinimumTickSize decimalString `json:"minimum_tick_size"`
	}
	if err := c.do(ctx, http.MethodGet, "/tick-size", tokenQuery(tokenID), nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.MinimumTickSize == "" {
		return "", fmt.Errorf("tick size missing for %s", tokenID)
	}

	c.mu.Lock()
	c.tickSize[tokenID] = string(resp.MinimumTickSize)
	c.mu.Unlock()
	return string(resp.MinimumTickSize), nil
}

func (c *Client) GetFeeRateBps(ctx context.Context, tokenID string) (int, error) {
	c.mu.RLock()
	v, ok := c.feeRate[tokenID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	var resp struct {
		BaseFee int `json:"base_fee"`
	}
	if err := c.do(ctx, http.MethodGet, "/fee-rate", tokenQuery(tokenID), nil, nil, &resp); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.feeRate[tokenID] = resp.BaseFee
	c.mu.Unlock()
	return resp.BaseFee, nil
}

func (c *Client) GetNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	v, ok := c.negRisk[tokenID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	var resp struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := c.do(ctx, http.MethodGet, "/neg-risk", tokenQuery(tokenID), nil, nil, &resp); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.negRisk[tokenID] = resp.NegRisk
	c.mu.Unlock()
	return resp.NegRisk, nil
}

// Warm fetches and caches tick size, fee rate and neg-risk flag for each
// token so the first order of a window does not pay for three lookups.
func (c *Client) Warm(ctx context.Context, tokenIDs ...string) error {
	for _, tok := range tokenIDs {
		if _, err := c.GetTickSize(ctx, tok); err != nil {
			return err
		}
		if _, err := c.GetFeeRateBps(ctx, tok); err != nil {
			return err
		}
		if _, err := c.GetNegRisk(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

func tokenQuery(tokenID string) url.Values {
	return url.Values{"token_id": []string{tokenID}}
}

// do sends one request and decodes a 2xx JSON answer into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, params url.Values, headers http.Header, body []byte, out any) error {
	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}

// doL2 signs the request with the API credentials before sending it. Only
// the path is signed, never the query string.
func (c *Client) doL2(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	ts, err := c.authTimestamp(ctx)
	if err != nil {
		return err
	}
	headers, err := c.l2Headers(ts, method, path, body)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, params, headers, body, out)
}
