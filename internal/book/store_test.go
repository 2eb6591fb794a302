package book

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/metrics"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(maxAge time.Duration) (*Store, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return NewStore(maxAge, WithClock(c.now)), c
}

func TestStore_UnknownTokenHasNoQuotes(t *testing.T) {
	s, _ := newTestStore(0)
	_, ok := s.BestQuotes("x")
	assert.False(t, ok)
}

func TestStore_BookSnapshot(t *testing.T) {
	s, _ := newTestStore(0)
	// venue order: best level last
	require.NoError(t, s.Apply(Event{
		EventType: "book",
		AssetID:   "A",
		Bids:      []clob.OrderSummary{{Price: "0.38", Size: "10"}, {Price: "0.40", Size: "5"}},
		Asks:      []clob.OrderSummary{{Price: "0.47", Size: "10"}, {Price: "0.44", Size: "7"}},
	}))

	tob, ok := s.BestQuotes("A")
	require.True(t, ok)
	require.NotNil(t, tob.Bid)
	require.NotNil(t, tob.Ask)
	assert.True(t, tob.Bid.Price.Equal(d("0.40")))
	assert.True(t, tob.Ask.Price.Equal(d("0.44")))
	assert.True(t, tob.Ask.Size.Equal(d("7")))
}

func TestStore_PriceChangeAddsAndRemovesLevels(t *testing.T) {
	s, _ := newTestStore(0)
	require.NoError(t, s.Apply(Event{
		EventType: "book", AssetID: "A",
		Bids: []clob.OrderSummary{{Price: "0.40", Size: "5"}},
		Asks: []clob.OrderSummary{{Price: "0.44", Size: "7"}},
	}))

	require.NoError(t, s.Apply(Event{EventType: "price_change", PriceChanges: []PriceChange{
		{AssetID: "A", Price: "0.43", Size: "3", Side: "SELL"},
		{AssetID: "A", Price: "0.41", Size: "2", Side: "BUY"},
	}}))
	tob, _ := s.BestQuotes("A")
	assert.True(t, tob.Ask.Price.Equal(d("0.43")))
	assert.True(t, tob.Bid.Price.Equal(d("0.41")))

	// size zero removes the level; "0.430" and "0.43" are the same level
	require.NoError(t, s.Apply(Event{EventType: "price_change", PriceChanges: []PriceChange{
		{AssetID: "A", Price: "0.430", Size: "0", Side: "SELL"},
	}}))
	tob, _ = s.BestQuotes("A")
	assert.True(t, tob.Ask.Price.Equal(d("0.44")))
}

func TestStore_LegacyPriceChangeShape(t *testing.T) {
	s, _ := newTestStore(0)
	require.NoError(t, s.Apply(Event{EventType: "price_change", AssetID: "B", Changes: []PriceChange{
		{Price: "0.55", Size: "100", Side: "SELL"},
	}}))
	tob, ok := s.BestQuotes("B")
	require.True(t, ok)
	assert.Nil(t, tob.Bid)
	assert.True(t, tob.Ask.Price.Equal(d("0.55")))
}

func TestStore_BestBidAskTrimsCrossedLevels(t *testing.T) {
	s, _ := newTestStore(0)
	require.NoError(t, s.Apply(Event{
		EventType: "book", AssetID: "A",
		Bids: []clob.OrderSummary{{Price: "0.40", Size: "5"}, {Price: "0.42", Size: "1"}},
		Asks: []clob.OrderSummary{{Price: "0.43", Size: "1"}, {Price: "0.45", Size: "7"}},
	}))
	require.NoError(t, s.Apply(Event{EventType: "best_bid_ask", AssetID: "A", BestBid: "0.40", BestAsk: "0.45"}))

	tob, _ := s.BestQuotes("A")
	assert.True(t, tob.Bid.Price.Equal(d("0.40")))
	assert.True(t, tob.Ask.Price.Equal(d("0.45")))
}

func TestStore_BestBidAskClearsEmptiedSide(t *testing.T) {
	s, _ := newTestStore(0)
	snap := Event{
		EventType: "book", AssetID: "A",
		Bids: []clob.OrderSummary{{Price: "0.40", Size: "5"}},
		Asks: []clob.OrderSummary{{Price: "0.45", Size: "7"}},
	}
	require.NoError(t, s.Apply(snap))

	require.NoError(t, s.Apply(Event{EventType: "best_bid_ask", AssetID: "A", BestBid: "0", BestAsk: "0.45"}))
	tob, _ := s.BestQuotes("A")
	assert.Nil(t, tob.Bid)
	require.NotNil(t, tob.Ask)

	require.NoError(t, s.Apply(Event{EventType: "best_bid_ask", AssetID: "A", BestAsk: "1"}))
	tob, _ = s.BestQuotes("A")
	assert.Nil(t, tob.Ask)

	// An absent field leaves the side alone.
	require.NoError(t, s.Apply(snap))
	require.NoError(t, s.Apply(Event{EventType: "best_bid_ask", AssetID: "A", BestBid: "", BestAsk: "0.45"}))
	tob, _ = s.BestQuotes("A")
	require.NotNil(t, tob.Bid)
	assert.True(t, tob.Bid.Price.Equal(d("0.40")))
}

func TestStore_EmptySideIsAbsent(t *testing.T) {
	s, _ := newTestStore(0)
	require.NoError(t, s.Apply(Event{EventType: "book", AssetID: "A", Asks: []clob.OrderSummary{{Price: "0.5", Size: "1"}}}))
	tob, ok := s.BestQuotes("A")
	require.True(t, ok)
	assert.Nil(t, tob.Bid)
	assert.NotNil(t, tob.Ask)
}

func TestStore_StaleQuotesAreMissing(t *testing.T) {
	s, c := newTestStore(2 * time.Second)
	s.Replace("A", []trading.Level{{Price: d("0.4"), Size: d("1")}}, nil, c.t)

	_, ok := s.BestQuotes("A")
	require.True(t, ok)

	c.t = c.t.Add(3 * time.Second)
	_, ok = s.BestQuotes("A")
	assert.False(t, ok)

	s.Touch(c.t)
	_, ok = s.BestQuotes("A")
	assert.True(t, ok, "touch refreshes liveness")
}

func TestStore_Forget(t *testing.T) {
	s, c := newTestStore(0)
	s.Replace("A", []trading.Level{{Price: d("0.4"), Size: d("1")}}, nil, c.t)
	s.Forget("A")
	_, ok := s.BestQuotes("A")
	assert.False(t, ok)
}

func TestStore_BadEventsAreRejected(t *testing.T) {
	s, _ := newTestStore(0)
	assert.Error(t, s.Apply(Event{EventType: "book", AssetID: "A", Bids: []clob.OrderSummary{{Price: "x", Size: "1"}}}))
	assert.Error(t, s.Apply(Event{EventType: "price_change", PriceChanges: []PriceChange{{AssetID: "A", Price: "0.4", Size: ""}}}))
	assert.NoError(t, s.Apply(Event{EventType: "last_trade_price", AssetID: "A"}))
}

func TestStore_CountsUpdates(t *testing.T) {
	m := metrics.New("test")
	s := NewStore(0, WithMetrics(m))
	require.NoError(t, s.Apply(Event{EventType: "book", AssetID: "A"}))
	require.NoError(t, s.Apply(Event{EventType: "tick_size_change", AssetID: "A"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuoteUpdates.WithLabelValues("book")))
}

func TestDecodeEvents(t *testing.T) {
	evs, err := DecodeEvents([]byte(`[{"event_type":"book","asset_id":"A","bids":[{"price":"0.4","size":"1"}],"asks":[]},{"event_type":"best_bid_ask","asset_id":"A","best_bid":"0.4","best_ask":"0.5"}]`))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "book", evs[0].EventType)
	assert.Equal(t, "0.5", evs[1].BestAsk)

	evs, err = DecodeEvents([]byte(`{"event_type":"price_change","market":"0xc","price_changes":[{"asset_id":"A","price":"0.5","size":"10","side":"BUY","best_bid":"0.5","best_ask":"0.52"}]}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Len(t, evs[0].PriceChanges, 1)
	assert.Equal(t, "BUY", evs[0].PriceChanges[0].Side)

	evs, err = DecodeEvents([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = DecodeEvents([]byte("{nope"))
	assert.Error(t, err)
}
