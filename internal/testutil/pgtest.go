// Package testutil provides shared database fixtures for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DB returns an open connection to a scratch PostgreSQL database.
//
// When POSTGRES_URL is set it is used directly (CI provides a database
// service). Otherwise a throwaway postgres container is started through
// testcontainers and torn down when the test finishes; the test is
// skipped if Docker is not available.
//
// Callers are expected to run their store's Migrate and to clean their
// own tables, since POSTGRES_URL may point at a shared database.
func DB(t *testing.T) *sql.DB {
	t.Helper()

	connStr := os.Getenv("POSTGRES_URL")
	if connStr == "" {
		connStr = startContainer(t)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("connect to database: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("claimpay_test"),
		tcpostgres.WithUsername("claimpay"),
		tcpostgres.WithPassword("claimpay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container (is Docker running?): %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container connection string: %v", err)
	}
	return connStr
}

// Truncate empties the given tables between tests. Best effort: a table
// that does not exist yet is not an error.
func Truncate(t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()
	ctx := context.Background()
	for _, table := range tables {
		_, _ = db.ExecContext(ctx, "DELETE FROM "+table)
	}
}
