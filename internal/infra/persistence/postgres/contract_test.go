package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/internal/domain/actionstore/storetest"
	"github.com/coachpo/offqueue/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/offqueue/internal/infra/persistence/postgres"
)

// startPostgres launches a disposable postgres container with the schema applied.
// Tests are skipped when Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract tests skipped in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "offqueue"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/offqueue?sslmode=disable", host, port.Port())

	// The port may accept connections before postgres finishes initialising.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.Apply(ctx, migrations.DriverPostgres, dsn, "", nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	return dsn
}

func TestActionStoreContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	storetest.Run(t, func(t *testing.T) actionstore.Store {
		pool, err := pgstore.OpenPool(ctx, dsn)
		require.NoError(t, err)
		truncate(t, pool)
		store := pgstore.NewActionStore(pool)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE pending_actions RESTART IDENTITY`)
	require.NoError(t, err)
}
