// Package util provides test helpers for database-backed tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a migrated client on a unique schema. CI uses
// an external PostgreSQL via CI_DATABASE_URL; local dev starts a shared
// testcontainer once per package. Per-test schemas keep tests isolated.
func SetupTestDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := GenerateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	client, err := database.NewClient(ctx, database.Config{
		URL:          AddSearchPathToConnString(connStr, schemaName),
		Database:     "test",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := client.DB().Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = client.Close()
	})
	return client
}

// GetBaseConnectionString returns the base connection string, for tests
// needing a dedicated connection (the NOTIFY listener).
func GetBaseConnectionString(t *testing.T) string {
	return getOrCreateSharedDatabase(t)
}

func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name.
func GenerateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// AddSearchPathToConnString appends search_path so every pooled connection
// lands in the test schema.
func AddSearchPathToConnString(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + url.QueryEscape(schema)
}
