package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a throwaway Postgres container and returns a migrated
// sink. The returned cleanup must be called when the test finishes.
func setupPostgres(t *testing.T) (*Postgres, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	sink, err := NewPostgres(ctx, dsn)
	require.NoError(t, err, "failed to create sink")

	cleanup := func() {
		_ = sink.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return sink, cleanup
}

func TestPostgres_RecordAndQuery(t *testing.T) {
	sink, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	attempt := "attempt-1"
	events := []Event{
		{TsMs: time.Now().UnixMilli(), Event: "pair_submit", AttemptID: attempt, Mode: "live", Symbol: "BTC", PriceA: "0.42", PriceB: "0.55", Size: "10"},
		{TsMs: time.Now().UnixMilli(), Event: "mismatch", AttemptID: attempt, StatusA: "filled", StatusB: "cancelled"},
		{TsMs: time.Now().UnixMilli(), Event: "refill", AttemptID: attempt, TokenID: "2", Side: "BUY", Price: "0.55", Size: "10", PnL: "0", Ok: true},
		{TsMs: time.Now().UnixMilli(), Event: "pair_submit", AttemptID: "other"},
	}
	for _, ev := range events {
		require.NoError(t, sink.Record(ctx, ev))
	}

	got, err := sink.EventsForAttempt(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, []string{"pair_submit", "mismatch", "refill"}, got)

	// Re-running migrations against an existing schema is a no-op.
	require.NoError(t, sink.Migrate(ctx))
}

func TestNumericOrNull(t *testing.T) {
	assert.Nil(t, numericOrNull(" "))
	assert.Equal(t, "0.42", numericOrNull("0.42"))
}
