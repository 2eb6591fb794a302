// Package gamma resolves 15 minute up/down market windows through the
// Polymarket Gamma events API.
package gamma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

const DefaultURL = "https://gamma-api.polymarket.com"

// DefaultUserAgent mimics a browser UA to avoid Cloudflare 403s.
const DefaultUserAgent = "Mozilla/5.0"

const WindowSeconds = 900

// windowOffsets are probed in order: the current window first, then the
// next two, since a window stops accepting orders shortly before it ends.
var windowOffsets = []int64{0, WindowSeconds, 2 * WindowSeconds}

type Client struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("gamma url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("gamma url must be http(s), got %q", host)
	}

	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
		userAgent:  DefaultUserAgent,
	}, nil
}

// stringList decodes a JSON array of strings, a string holding such an
// array, or a comma separated string. Gamma uses all three for list fields.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] != '"' {
		var vals []string
		if err := json.Unmarshal(b, &vals); err != nil {
			return err
		}
		*s = compactStrings(vals)
		return nil
	}

	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var vals []string
		if err := json.Unmarshal([]byte(raw), &vals); err != nil {
			return err
		}
		*s = compactStrings(vals)
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `"`)
	}
	*s = compactStrings(parts)
	return nil
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type event struct {
	Slug    string   `json:"slug"`
	Markets []market `json:"markets"`
}

type market struct {
	Slug            string     `json:"slug"`
	ConditionID     string     `json:"conditionId"`
	AcceptingOrders bool       `json:"acceptingOrders"`
	Closed          bool       `json:"closed"`
	Outcomes        stringList `json:"outcomes"`
	ClobTokenIDs    stringList `json:"clobTokenIds"`
}

// WindowSlug returns the event slug of the 15 minute window containing t,
// shifted by offset seconds.
func WindowSlug(symbol string, t time.Time, offset int64) string {
	start := (t.Unix() / WindowSeconds) * WindowSeconds
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(strings.TrimSpace(symbol)), start+offset)
}

// ResolvePair returns the earliest window for symbol that accepts orders and
// has exactly two outcome tokens. Token A is the first listed outcome ("Up").
func (c *Client) ResolvePair(ctx context.Context, symbol string, now time.Time) (trading.Pair, error) {
	if c == nil {
		return trading.Pair{}, errors.New("gamma client nil")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return trading.Pair{}, errors.New("symbol required")
	}

	for _, off := range windowOffsets {
		slug := WindowSlug(symbol, now, off)
		events, err := c.fetchEvents(ctx, slug)
		if err != nil {
			if ctx.Err() != nil {
				return trading.Pair{}, ctx.Err()
			}
			log.Printf("[gamma] %s: %v", slug, err)
			continue
		}
		m := pickMarket(events, slug)
		if m == nil || !m.AcceptingOrders || m.Closed || len(m.ClobTokenIDs) != 2 {
			continue
		}
		return trading.Pair{
			Symbol:      symbol,
			Slug:        slug,
			ConditionID: m.ConditionID,
			TokenA:      m.ClobTokenIDs[0],
			TokenB:      m.ClobTokenIDs[1],
		}, nil
	}
	return trading.Pair{}, fmt.Errorf("%s: %w", symbol, trading.ErrPairNotAvailable)
}

// pickMarket prefers the market whose slug matches the event slug, else the
// first market of the first event.
func pickMarket(events []event, slug string) *market {
	for i := range events {
		for j := range events[i].Markets {
			if strings.TrimSpace(events[i].Markets[j].Slug) == slug {
				return &events[i].Markets[j]
			}
		}
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil
	}
	return &events[0].Markets[0]
}

func (c *Client) fetchEvents(ctx context.Context, slug string) ([]event, error) {
	q := url.Values{}
	q.Set("slug", slug)
	endpoint := c.host + "/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return nil, fmt.Errorf("gamma status=%d body=%q", resp.StatusCode, body)
	}

	var events []event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("gamma decode: %w", err)
	}
	return events, nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}

var _ trading.PairResolver = (*Client)(nil)
