package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// setupPostgres starts a PostgreSQL container and applies the embedded migrations.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(p.Close)

	require.NoError(t, p.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, p.Migrate(ctx))

	return p
}

func TestPostgres_Contract(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	id, err := p.AddRule(ctx, &tracker.WatchRule{UserID: 1, Origin: "TAS", Destination: "IST", TargetPrice: ptr(900000)})
	require.NoError(t, err)

	_, err = p.AddRule(ctx, &tracker.WatchRule{UserID: 1, Origin: "TAS", Destination: "IST"})
	require.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, p.UpdateBaseline(ctx, id, 850000))
	assert.ErrorIs(t, p.UpdateBaseline(ctx, id+100, 1), ErrNotFound)

	rules, err := p.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].LastPrice)
	assert.InDelta(t, 850000, *rules[0].LastPrice, 0)
	require.NotNil(t, rules[0].TargetPrice)
	assert.InDelta(t, 900000, *rules[0].TargetPrice, 0)

	ok, err := p.DisableRule(ctx, id, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.DisableRule(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := p.RuleExists(ctx, 1, "TAS", "IST")
	require.NoError(t, err)
	assert.False(t, exists)

	all, err := p.ListUserRules(ctx, 1, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = p.AddRule(ctx, &tracker.WatchRule{UserID: 1, Origin: "TAS", Destination: "IST"})
	require.NoError(t, err, "direction is free after deactivation")
}

func TestPostgres_Subscriptions(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	_, err := p.AddSubscription(ctx, &tracker.Subscription{UserID: 1, Origin: "TAS", Hour: 9, Minute: 30})
	require.NoError(t, err)
	_, err = p.AddSubscription(ctx, &tracker.Subscription{UserID: 2, Origin: "SKD", Hour: 20, Minute: 15})
	require.NoError(t, err)

	n, err := p.DisableSubscriptions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	subs, err := p.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "SKD", subs[0].Origin)
	assert.Equal(t, 20, subs[0].Hour)
	assert.Equal(t, 15, subs[0].Minute)
}
