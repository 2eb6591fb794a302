package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New("t")
	b := New("t")
	a.PairAttempts.WithLabelValues("mismatch").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.PairAttempts.WithLabelValues("mismatch")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PairAttempts.WithLabelValues("mismatch")))
}

func TestObserveRisk(t *testing.T) {
	m := New("t")
	m.ObserveRisk(decimal.RequireFromString("-1.5"), map[string]decimal.Decimal{"tok": decimal.NewFromInt(10)})
	assert.Equal(t, -1.5, testutil.ToFloat64(m.RealizedPnL))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Inventory.WithLabelValues("tok")))

	var nilMetrics *Metrics
	nilMetrics.ObserveRisk(decimal.Zero, nil)
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New("t")
	m.ResolverActions.WithLabelValues("refilled").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `t_hedge_actions_total{action="refilled"} 1`)
}
