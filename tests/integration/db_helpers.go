//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/migrations"
)

const (
	pgImage    = "postgres:16-alpine"
	pgDatabase = "bastion"
	pgUser     = "bastion"
	pgPassword = "bastion"
)

// TestDB is a migrated Postgres running in a container, reached through the
// same pool constructor the service uses
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	DB        *database.DB
}

// SetupTestDatabase starts the container, connects and applies the embedded migrations
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(pgImage),
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	tdb := &TestDB{Container: container}
	fail := func(step string, err error) (*TestDB, error) {
		_ = tdb.Teardown(ctx)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	cfg, err := containerConfig(ctx, container)
	if err != nil {
		return fail("resolve container address", err)
	}

	db, err := database.NewConnection(cfg, quietLogger())
	if err != nil {
		return fail("connect", err)
	}
	tdb.DB = db
	tdb.Pool = db.Pool

	if err := database.Migrate(ctx, db.Pool, migrations.FS, quietLogger()); err != nil {
		return fail("migrate", err)
	}
	return tdb, nil
}

func containerConfig(ctx context.Context, container testcontainers.Container) (*config.DatabaseConfig, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}
	return &config.DatabaseConfig{
		Host:              host,
		Port:              port.Int(),
		User:              pgUser,
		Password:          pgPassword,
		Name:              pgDatabase,
		SSLMode:           "disable",
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Minute,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: time.Minute,
		StatementTimeout:  10 * time.Second,
		ConnectAttempts:   3,
	}, nil
}

// Teardown closes the pool and stops the container
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.DB != nil {
		db.DB.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables empties the ledger and the event chain between tests. TRUNCATE
// does not fire the row triggers that keep security_events append-only.
func (db *TestDB) CleanupTables(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `TRUNCATE TABLE attempt_ledger, security_events RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
