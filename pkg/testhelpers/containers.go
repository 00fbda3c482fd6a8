package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the image used for integration tests.
const PostgresImage = "postgres:16-alpine"

// Credentials of the shared test database.
const (
	TestDBName     = "test_data"
	TestDBUser     = "ekaya"
	TestDBPassword = "test_password"
)

// Seed schema loaded into the shared test database.
const testSchema = `
	CREATE SCHEMA sales;

	CREATE TABLE sales.customers (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		email      VARCHAR(255),
		vip        BOOLEAN NOT NULL DEFAULT false,
		signed_up  DATE
	);

	CREATE TABLE sales.orders (
		id          BIGSERIAL PRIMARY KEY,
		customer_id BIGINT NOT NULL REFERENCES sales.customers(id),
		total       NUMERIC(12,2) NOT NULL,
		tags        TEXT[],
		details     JSONB,
		placed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	INSERT INTO sales.customers (name, email, vip, signed_up)
	SELECT 'customer ' || g, 'c' || g || '@example.com', g % 10 = 0, DATE '2024-01-01' + g
	FROM generate_series(1, 50) AS g;

	INSERT INTO sales.orders (customer_id, total, tags, details)
	SELECT 1 + (g % 50), g * 1.25, ARRAY['web'], '{"channel":"web"}'::jsonb
	FROM generate_series(1, 200) AS g;
`

// TestDB holds a shared PostgreSQL container and connection details.
type TestDB struct {
	Container *tcpostgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		PostgresImage,
		tcpostgres.WithDatabase(TestDBName),
		tcpostgres.WithUsername(TestDBUser),
		tcpostgres.WithPassword(TestDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err := pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if _, err := pool.Exec(ctx, testSchema); err != nil {
		return nil, fmt.Errorf("failed to load test schema: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
		Host:      host,
		Port:      port.Int(),
		User:      TestDBUser,
		Password:  TestDBPassword,
		Database:  TestDBName,
	}, nil
}
