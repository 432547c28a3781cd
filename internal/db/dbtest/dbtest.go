// Package dbtest gives tests an isolated PostgreSQL schema with the service
// schema applied. Each call to New gets its own schema, dropped on cleanup,
// so tests can run in parallel against one server.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    pool := dbtest.New(t) // skips when TEST_DATABASE_URL is unset
//	    store := ledger.NewPostgresStore(pool)
//	}
package dbtest

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/alert-service/internal/db"
)

// EnvURL names the variable holding the DSN of a disposable database.
const EnvURL = "TEST_DATABASE_URL"

var counter atomic.Int64

func uniqueSchema() string {
	return fmt.Sprintf("test_%d_%d", time.Now().UnixNano(), counter.Add(1))
}

// New returns a pool whose search_path points at a fresh, migrated schema.
func New(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skipf("%s not set; skipping PostgreSQL test", EnvURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := uniqueSchema()
	ident := pgx.Identifier{schema}.Sanitize()
	if err := exec(ctx, dsn, "CREATE SCHEMA "+ident); err != nil {
		t.Fatalf("dbtest: create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := exec(ctx, dsn, "DROP SCHEMA IF EXISTS "+ident+" CASCADE"); err != nil {
			t.Logf("dbtest: drop schema %s: %v", schema, err)
		}
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("dbtest: parse dsn: %v", err)
	}
	// public stays on the path for the pgcrypto functions.
	cfg.ConnConfig.RuntimeParams["search_path"] = schema + ",public"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("dbtest: connect: %v", err)
	}
	// Registered after the drop so the pool closes first.
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("dbtest: migrate: %v", err)
	}
	return pool
}

func exec(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
