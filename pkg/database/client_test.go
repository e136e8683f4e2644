package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a migrated test database with CI/local environment
// detection. In CI (when CI_DATABASE_URL is set): connects to an external
// PostgreSQL service container. In local dev: spins up a testcontainer.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	ciDatabaseURL := os.Getenv("CI_DATABASE_URL")

	var connStr string

	if ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, RunMigrations(db, "test"))

	client := NewClientFromDB(db)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClient_HealthAndPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB().PingContext(ctx))

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestMigrations_Idempotent(t *testing.T) {
	client := newTestClient(t)

	// A second run must be a no-op, not an error.
	require.NoError(t, RunMigrations(client.DB(), "test"))
}

func TestMigrations_SchemaShape(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, table := range []string{
		"workspaces", "agents", "projects", "claims",
		"reviews", "proposals", "cost_entries", "events", "audit_records",
	} {
		var exists bool
		err := client.DB().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s missing", table)
	}
}

func TestMigrations_ActiveClaimUniqueness(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	db := client.DB()

	_, err := db.ExecContext(ctx, `INSERT INTO workspaces (id) VALUES ('ws')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO agents (id, workspace_id) VALUES ('a1', 'ws'), ('a2', 'ws')`)
	require.NoError(t, err)
	var number int64
	err = db.QueryRowContext(ctx,
		`INSERT INTO projects (workspace_id, title, state) VALUES ('ws', 'p', 'queued') RETURNING number`).
		Scan(&number)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO claims (project_number, agent_id, branch, fence_token, lease_expires_at)
		 VALUES ($1, 'a1', 'branch-a', 1, now() + interval '10 minutes')`, number)
	require.NoError(t, err)

	// Second live claim on the same project must violate the partial
	// unique index.
	_, err = db.ExecContext(ctx,
		`INSERT INTO claims (project_number, agent_id, branch, fence_token, lease_expires_at)
		 VALUES ($1, 'a2', 'branch-b', 2, now() + interval '10 minutes')`, number)
	require.Error(t, err)

	// Releasing the first claim frees the slot.
	_, err = db.ExecContext(ctx, `UPDATE claims SET released_at = now() WHERE agent_id = 'a1'`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO claims (project_number, agent_id, branch, fence_token, lease_expires_at)
		 VALUES ($1, 'a2', 'branch-a', 2, now() + interval '10 minutes')`, number)
	require.NoError(t, err)
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		Host: "db.internal", Port: 5433, User: "orch", Password: "pw",
		Database: "orchestrator", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=orch password=pw dbname=orchestrator sslmode=require",
		cfg.DSN())

	cfg.URL = "postgres://u:p@host:5432/orchdb?sslmode=disable"
	assert.Equal(t, cfg.URL, cfg.DSN())
}

func TestConfig_DatabaseName(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"discrete fields", Config{Database: "orchestrator"}, "orchestrator"},
		{"url with query", Config{URL: "postgres://u:p@host:5432/orchdb?sslmode=disable"}, "orchdb"},
		{"url without query", Config{URL: "postgres://u:p@host/orch"}, "orch"},
		{"url without path", Config{URL: "postgres://host/"}, "orchestrator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DatabaseName())
		})
	}
}

func TestLoadConfigFromEnv_URLPrecedence(t *testing.T) {
	t.Setenv("ORCH_DB_URL", "postgres://u:p@host:5432/orchdb")
	t.Setenv("DB_HOST", "ignored")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@host:5432/orchdb", cfg.URL)
	assert.Empty(t, cfg.Host)
}
