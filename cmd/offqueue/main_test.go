package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/internal/app/connectivity"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/infra/config"
	"github.com/coachpo/offqueue/internal/infra/persistence/memory"
	"github.com/coachpo/offqueue/internal/infra/persistence/sqlite"
)

func testLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "/etc/offqueue.yaml", resolveConfigPath("/etc/offqueue.yaml"))
}

func TestValidatorConfigUsesRetentionAsFreshness(t *testing.T) {
	cfg := config.DefaultAppConfig()
	cfg.Sync.Retention = 48 * time.Hour
	cfg.Validation.MinSecondsPerQuestion = 3

	got := validatorConfig(cfg)
	require.Equal(t, 48*time.Hour, got.FreshnessWindow)
	require.Equal(t, 3, got.MinSecondsPerQuestion)
	require.Equal(t, 10, got.PerfectSecondsPerQuestion)
}

func TestBuildConnectivity(t *testing.T) {
	logger, _ := testLogger()

	source, prober, err := buildConnectivity(config.ConnectivityConfig{Mode: config.ConnectivityManual, StartOffline: true}, logger)
	require.NoError(t, err)
	require.Nil(t, prober)
	manual, ok := source.(*connectivity.Manual)
	require.True(t, ok)
	require.False(t, manual.Online())

	source, prober, err = buildConnectivity(config.ConnectivityConfig{
		Mode:     config.ConnectivityProbe,
		ProbeURL: "http://127.0.0.1:1/healthz",
		Interval: time.Second,
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, prober)
	require.Same(t, prober, source)
	require.False(t, source.Online())

	_, _, err = buildConnectivity(config.ConnectivityConfig{Mode: "satellite"}, logger)
	require.Error(t, err)
}

func TestOpenStoreByDriver(t *testing.T) {
	logger, buf := testLogger()
	ctx := context.Background()

	store, err := openStore(ctx, config.StoreConfig{Driver: config.StoreMemory}, logger)
	require.NoError(t, err)
	require.IsType(t, &memory.Store{}, store)
	require.Contains(t, buf.String(), "in-memory action store")

	path := filepath.Join(t.TempDir(), "data", "offqueue.db")
	store, err = openStore(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: path}, logger)
	require.NoError(t, err)
	require.IsType(t, &sqlite.Store{}, store)
	require.NoError(t, store.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "redis"}, logger)
	require.Error(t, err)
}

func TestBuildDispatcherRegistersEveryType(t *testing.T) {
	registry, err := buildDispatcher(config.DefaultAppConfig().Dispatch)
	require.NoError(t, err)
	for _, typ := range action.Types() {
		_, ok := registry.Handler(typ)
		require.True(t, ok, typ)
	}

	_, err = buildDispatcher(config.DispatchConfig{BaseURL: "ftp://backend"})
	require.Error(t, err)
}

func TestGracefulShutdownClosesStore(t *testing.T) {
	logger, buf := testLogger()
	store := memory.NewStore()
	stopped := false

	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		stopAutoSync: func() { stopped = true },
		mainCancel:   func() {},
		store:        store,
	})
	require.True(t, stopped)
	require.Contains(t, buf.String(), "shutdown: closing action store completed")
}

func TestWaitWithContextTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)

	err := waitWithContext(ctx, func() { <-block })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
