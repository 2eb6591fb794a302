package risk

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testLimits = Limits{MaxDailyLoss: d("50"), MaxInventoryPerToken: d("100")}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, testLimits.Validate())
	assert.Error(t, Limits{MaxDailyLoss: decimal.Zero, MaxInventoryPerToken: d("1")}.Validate())
	assert.Error(t, Limits{MaxDailyLoss: d("1"), MaxInventoryPerToken: d("-1")}.Validate())
}

func TestCanTrade(t *testing.T) {
	cases := []struct {
		name string
		pnl  string
		invA string
		invB string
		want bool
	}{
		{"flat", "0", "0", "0", true},
		{"loss below limit", "-49.99", "0", "0", true},
		{"loss at limit trips", "-50", "0", "0", false},
		{"loss beyond limit", "-80", "0", "0", false},
		{"inventory a at limit", "0", "100", "0", true},
		{"inventory a over", "0", "100.01", "0", false},
		{"inventory b short over", "0", "0", "-101", false},
		{"profit does not matter", "1000", "0", "0", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState()
			s.ApplyPnL(d(tc.pnl))
			s.ApplyFill("a", d(tc.invA))
			s.ApplyFill("b", d(tc.invB))
			assert.Equal(t, tc.want, CanTrade(*s, testLimits, "a", "b"))
		})
	}
}

func TestCanTrade_MissingKeysReadAsZero(t *testing.T) {
	assert.True(t, CanTrade(State{}, testLimits, "x", "y"))
}

func TestCanTrade_IgnoresOtherTokens(t *testing.T) {
	s := NewState()
	s.ApplyFill("other", d("1000"))
	assert.True(t, CanTrade(*s, testLimits, "a", "b"))
}

func TestApplyFill_Commutative(t *testing.T) {
	deltas := [][2]string{{"3", "-7.5"}, {"0.25", "12"}, {"-4", "-4"}}
	for _, pair := range deltas {
		s1, s2 := NewState(), NewState()
		s1.ApplyFill("t", d(pair[0]))
		s1.ApplyFill("t", d(pair[1]))
		s2.ApplyFill("t", d(pair[1]))
		s2.ApplyFill("t", d(pair[0]))
		assert.True(t, s1.Inventory["t"].Equal(s2.Inventory["t"]), "deltas %v", pair)
	}
}

func TestApplyFill_RoundTripKeepsKey(t *testing.T) {
	s := NewState()
	s.ApplyFill("t", d("2"))
	s.ApplyFill("t", d("10"))
	s.ApplyFill("t", d("-10"))
	assert.True(t, s.Inventory["t"].Equal(d("2")))

	s.ApplyFill("t", d("-2"))
	v, ok := s.Inventory["t"]
	require.True(t, ok, "zero inventory must keep its entry")
	assert.True(t, v.IsZero())
}

func TestApplyPnL_Additive(t *testing.T) {
	s := NewState()
	s.ApplyPnL(d("-1.5"))
	s.ApplyPnL(d("0.25"))
	assert.True(t, s.RealizedPnL.Equal(d("-1.25")))
}

func TestGate_KillSwitchStaysTripped(t *testing.T) {
	g, err := NewGate(testLimits)
	require.NoError(t, err)

	g.ApplyPnL(d("-50"))
	assert.False(t, g.CanTrade("a", "b"))

	// Later fills do not reset it.
	g.ApplyFill("a", d("1"))
	assert.False(t, g.CanTrade("a", "b"))

	prev := g.ResetRealizedPnL()
	assert.True(t, prev.Equal(d("-50")))
	assert.True(t, g.CanTrade("a", "b"))
	assert.True(t, g.Snapshot().Inventory["a"].Equal(d("1")))
}

func TestGate_SnapshotIsCopy(t *testing.T) {
	g, err := NewGate(testLimits)
	require.NoError(t, err)
	g.ApplyFill("a", d("5"))

	snap := g.Snapshot()
	snap.Inventory["a"] = d("999")
	assert.True(t, g.Snapshot().Inventory["a"].Equal(d("5")))
}

func TestGate_ConcurrentFills(t *testing.T) {
	g, err := NewGate(testLimits)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.ApplyFill("a", d("1"))
			g.ApplyPnL(d("-0.1"))
			_ = g.CanTrade("a", "b")
		}()
	}
	wg.Wait()

	snap := g.Snapshot()
	assert.True(t, snap.Inventory["a"].Equal(d("50")))
	assert.True(t, snap.RealizedPnL.Equal(d("-5")))
}

func TestNewGate_RejectsBadLimits(t *testing.T) {
	_, err := NewGate(Limits{})
	assert.Error(t, err)
}
