// Package types also holds process-level configuration structs bound from
// environment variables and (optionally) a config file by spf13/viper.
package types

import "time"

// ServerConfig configures the control-plane HTTP API (C8).
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	MetricsPort    int           `json:"metricsPort"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// ConnectorConfig configures the shared connector multiplexer (C4).
type ConnectorConfig struct {
	InboxSize        int           `json:"inboxSize"`
	AdapterDeadline  time.Duration `json:"adapterDeadline"`
	RetryDelays      []time.Duration `json:"retryDelays"`
	RateLimitPerSec  float64       `json:"rateLimitPerSec"` // 0 disables the limiter
}

// MirrorConfig configures the remote mirror (C2).
type MirrorConfig struct {
	DSN              string        `json:"dsn"` // empty disables the mirror
	RedisAddr        string        `json:"redisAddr"` // empty disables Redis fan-out
	QueueCapacity    int           `json:"queueCapacity"`
	MinBackoff       time.Duration `json:"minBackoff"`
	MaxBackoff       time.Duration `json:"maxBackoff"`
	SnapshotRetention time.Duration `json:"snapshotRetention"`
}

// ReconcilerConfig configures the position reconciler (C7).
type ReconcilerConfig struct {
	Interval time.Duration `json:"interval"`
}

// RegistryConfig configures the strategy registry (C5).
type RegistryConfig struct {
	StatsInterval time.Duration `json:"statsInterval"`
}

// SupervisorConfig configures supervisor registration (C9).
type SupervisorConfig struct {
	InstanceID       string        `json:"instanceId"`
	Hostname         string        `json:"hostname"`
	APIPort          int           `json:"apiPort"`
	HeartbeatCron    string        `json:"heartbeatCron"`
}

// DataConfig configures the config store's backing file (C1).
type DataConfig struct {
	ConfigPath string `json:"configPath"`
}

// ProcessConfig is the root configuration assembled by C10 at startup.
type ProcessConfig struct {
	Env             string `json:"env"` // "development" | "production"
	Server          ServerConfig
	Connector       ConnectorConfig
	Mirror          MirrorConfig
	Reconciler      ReconcilerConfig
	Registry        RegistryConfig
	Supervisor      SupervisorConfig
	Data            DataConfig
	UserAddress     string `json:"userAddress"`
	ExchangeDomain  string `json:"exchangeDomain"` // "mainnet" | "testnet"
}
