// Command hived is the orchestrator process: it wires the config store,
// exchange adapter, connector multiplexer, strategy registry, scheduler,
// position reconciler, remote mirror, supervisor registration, and
// control-plane API into one process and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/api"
	"github.com/hivebot/orchestrator/internal/configstore"
	"github.com/hivebot/orchestrator/internal/connector"
	"github.com/hivebot/orchestrator/internal/exchange"
	"github.com/hivebot/orchestrator/internal/lifecycle"
	"github.com/hivebot/orchestrator/internal/mirror"
	"github.com/hivebot/orchestrator/internal/reconciler"
	"github.com/hivebot/orchestrator/internal/registry"
	"github.com/hivebot/orchestrator/internal/scheduler"
	"github.com/hivebot/orchestrator/internal/supervisor"
	"github.com/hivebot/orchestrator/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hived: config: %v\n", err)
		return lifecycle.ExitStartupFailure
	}

	logger, err := lifecycle.NewLogger("info", cfg.Env == "production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "hived: logger: %v\n", err)
		return lifecycle.ExitStartupFailure
	}
	defer logger.Sync()

	// C1: durable strategy config store.
	store, err := configstore.Open(logger, cfg.Data.ConfigPath)
	if err != nil {
		logger.Error("failed to open config store", zap.Error(err))
		return lifecycle.ExitStartupFailure
	}

	// C3: exchange adapter. The real REST+WS client is out of scope; a
	// single instance of the in-memory fake stands in its place.
	adapter := exchange.NewSimAdapter()

	// C4: shared connector multiplexer.
	mux := connector.New(logger, adapter, connector.Config{
		RateLimitPerSec: cfg.Connector.RateLimitPerSec,
	})
	mux.Start(context.Background())

	// C5: strategy registry.
	reg := registry.New(logger, store, mux)

	// C6: per-strategy scheduler.
	metrics := api.NewMetrics()
	sched := scheduler.New(logger, reg, metrics)
	reg.SetScheduler(sched)
	mux.SetRetryRecorder(metrics)

	if err := reg.LoadFromStore(); err != nil {
		logger.Error("failed to load persisted strategies", zap.Error(err))
		return lifecycle.ExitStartupFailure
	}

	// C2: best-effort remote mirror. A nil DSN leaves it with no drain worker.
	mir, err := mirror.Open(logger, mirror.Config{
		PostgresDSN: cfg.Mirror.DSN,
		RedisAddr:   cfg.Mirror.RedisAddr,
	})
	if err != nil {
		logger.Error("failed to open remote mirror", zap.Error(err))
		return lifecycle.ExitStartupFailure
	}
	store.SetMirror(mir)
	mir.Start(context.Background())

	// C7: position reconciler.
	recon := reconciler.New(logger, mux, reg, mir, cfg.Reconciler.Interval)
	recon.Start(context.Background())

	// C5: periodic per-StrategyInstance counters snapshot to the mirror.
	statsReporter := registry.NewStatsReporter(logger, reg, mir, cfg.Supervisor.InstanceID, cfg.Registry.StatsInterval)
	statsReporter.Start(context.Background())

	// C9: supervisor registration and heartbeat.
	super := supervisor.New(logger, mir, mirror.InstanceInfo{
		InstanceID: cfg.Supervisor.InstanceID,
		Hostname:   cfg.Supervisor.Hostname,
		APIPort:    cfg.Supervisor.APIPort,
	})
	super.Start()

	// C8: control-plane HTTP/WebSocket API.
	srv := api.NewServer(logger, cfg.Server, reg, recon, mux, mir, metrics)
	apiErrCh := make(chan error, 1)
	go func() { apiErrCh <- srv.Start() }()

	logger.Info("hived started", zap.String("instance_id", cfg.Supervisor.InstanceID), zap.Int("api_port", cfg.Server.Port))

	select {
	case err := <-apiErrCh:
		logger.Error("control-plane API stopped unexpectedly", zap.Error(err))
	case <-waitForSignalOrError():
	}

	exitCode := lifecycle.RunShutdown(logger, cfg.Server.ShutdownTimeout, []lifecycle.ShutdownStep{
		{Name: "api", Run: func(ctx context.Context) { srv.Stop(ctx) }},
		{Name: "scheduler", Run: func(ctx context.Context) { sched.StopAll() }},
		{Name: "reconciler", Run: func(ctx context.Context) { recon.Stop() }},
		{Name: "stats_reporter", Run: func(ctx context.Context) { statsReporter.Stop() }},
		{Name: "supervisor", Run: func(ctx context.Context) { super.Stop() }},
		{Name: "mirror", Run: func(ctx context.Context) { mir.Stop() }},
		{Name: "connector", Run: func(ctx context.Context) { mux.Stop() }},
		{Name: "configstore", Run: func(ctx context.Context) {
			if err := store.Close(); err != nil {
				logger.Warn("config store close failed", zap.Error(err))
			}
		}},
	})
	return exitCode
}

// waitForSignalOrError wraps lifecycle.WaitForSignal in a channel so it can
// be selected alongside the API server's error channel.
func waitForSignalOrError() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		lifecycle.WaitForSignal()
		close(ch)
	}()
	return ch
}

// loadConfig binds spf13/viper to HIVE_-prefixed environment variables (and
// an optional config file at HIVE_CONFIG_FILE), matching the donor pack's
// viper.AutomaticEnv idiom.
func loadConfig() (types.ProcessConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("api_port", 8080)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("websocket_path", "/ws")
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("adapter_rate_limit", 0.0)
	v.SetDefault("config_path", "hived.db")
	v.SetDefault("reconciler_interval", reconciler.DefaultInterval)
	v.SetDefault("stats_interval", registry.DefaultStatsInterval)
	v.SetDefault("exchange_domain", "testnet")

	if configFile := v.GetString("config_file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return types.ProcessConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	instanceID := v.GetString("instance_id")
	if instanceID == "" {
		instanceID = hostname
	}

	apiPort := v.GetInt("api_port")

	return types.ProcessConfig{
		Env: v.GetString("env"),
		Server: types.ServerConfig{
			Host:            "0.0.0.0",
			Port:            apiPort,
			MetricsPort:     v.GetInt("metrics_port"),
			WebSocketPath:   v.GetString("websocket_path"),
			ReadTimeout:     v.GetDuration("read_timeout"),
			WriteTimeout:    v.GetDuration("write_timeout"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Connector: types.ConnectorConfig{
			RateLimitPerSec: v.GetFloat64("adapter_rate_limit"),
		},
		Mirror: types.MirrorConfig{
			DSN:       v.GetString("remote_mirror_dsn"),
			RedisAddr: v.GetString("redis_addr"),
		},
		Reconciler: types.ReconcilerConfig{
			Interval: v.GetDuration("reconciler_interval"),
		},
		Registry: types.RegistryConfig{
			StatsInterval: v.GetDuration("stats_interval"),
		},
		Supervisor: types.SupervisorConfig{
			InstanceID: instanceID,
			Hostname:   hostname,
			APIPort:    apiPort,
		},
		Data: types.DataConfig{
			ConfigPath: v.GetString("config_path"),
		},
		UserAddress:    v.GetString("user_address"),
		ExchangeDomain: v.GetString("exchange_domain"),
	}, nil
}
