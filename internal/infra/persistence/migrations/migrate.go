// Package migrations wires golang-migrate execution for offqueue's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/offqueue/db/migrations"
	"github.com/coachpo/offqueue/internal/telemetry"
)

// Driver names a supported store backend.
type Driver string

const (
	// DriverSQLite selects the local sqlite schema.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres selects the PostgreSQL schema.
	DriverPostgres Driver = "postgres"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errNoSteps      = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// ParseDriver normalises a driver name from configuration or flags.
func ParseDriver(raw string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", raw)
	}
}

// Apply brings the schema reachable via dsn up to date. An empty migrationsDir uses
// the migrations embedded in the binary. A nil logger disables informational logging.
func Apply(ctx context.Context, driver Driver, dsn, migrationsDir string, logger *log.Logger) error {
	return run(ctx, driver, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, driver Driver, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return errNoSteps
	}
	return run(ctx, driver, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, driver Driver, dsn, migrationsDir string, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	resolvedDir := ""
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		resolvedDir = dir
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("migrations dsn required")
	}

	sqlDriver, migrateName, err := driverNames(driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	dbDriver, err := databaseInstance(driver, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	m, source, err := newMigrate(driver, resolvedDir, migrateName, dbDriver)
	if err != nil {
		_ = db.Close()
		return err
	}
	// Closing the migrate instance also closes db.
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: driver=%s direction=%s source=%s", driver, direction, source)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, driver, direction, "noop")
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, driver, direction, "failed")
		return fmt.Errorf("apply migrations (%s): %w", direction, err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully: driver=%s direction=%s", driver, direction)
	}
	recordMigrationMetric(ctx, driver, direction, "applied")
	return nil
}

func driverNames(driver Driver) (sqlDriver, migrateName string, err error) {
	switch driver {
	case DriverSQLite:
		return "sqlite3", "sqlite3", nil
	case DriverPostgres:
		return "pgx", "pgx5", nil
	default:
		return "", "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

func databaseInstance(driver Driver, db *sql.DB) (database.Driver, error) {
	switch driver {
	case DriverSQLite:
		instance, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return nil, fmt.Errorf("initialise sqlite3 driver: %w", err)
		}
		return instance, nil
	case DriverPostgres:
		var driverConfig pgxv5.Config
		instance, err := pgxv5.WithInstance(db, &driverConfig)
		if err != nil {
			return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
		}
		return instance, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func newMigrate(driver Driver, resolvedDir, migrateName string, dbDriver database.Driver) (*migrate.Migrate, string, error) {
	if resolvedDir != "" {
		sourceURL := fileURL(resolvedDir)
		m, err := migrate.NewWithDatabaseInstance(sourceURL, migrateName, dbDriver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, sourceURL, nil
	}
	src, err := iofs.New(dbmigrations.Files, string(driver))
	if err != nil {
		return nil, "", fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, migrateName, dbDriver)
	if err != nil {
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, "embedded:" + string(driver), nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, driver Driver, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("offqueue.db.migrations",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrStoreDriver.String(string(driver)),
		telemetry.AttrOperation.String(direction),
		telemetry.AttrResult.String(result),
	))
}
