package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EngineType selects the consensus implementation used by the node.
type EngineType string

// Supported consensus engine types.
const (
	EngineTypeLocal EngineType = "local"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID     string     `mapstructure:"node_id"`
	EngineType EngineType `mapstructure:"engine_type"`
	LogLevel   string     `mapstructure:"log_level"`
	DataDir    string     `mapstructure:"data_dir"`

	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	PprofAddr   string `mapstructure:"pprof_addr"`

	// SnapshotEvery triggers a snapshot after this many applied
	// transactions. Zero disables automatic snapshots.
	SnapshotEvery uint64 `mapstructure:"snapshot_every"`

	TracingEnabled     bool   `mapstructure:"tracing_enabled"`
	TracingEndpoint    string `mapstructure:"tracing_endpoint"`
	TracingServiceName string `mapstructure:"tracing_service_name"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:             "node-1",
		EngineType:         EngineTypeLocal,
		LogLevel:           "info",
		DataDir:            "./var/node-1",
		GRPCAddr:           ":8080",
		MetricsAddr:        "",
		PprofAddr:          "",
		SnapshotEvery:      1000,
		TracingEnabled:     false,
		TracingServiceName: "metastate",
	}
}

// LoadConfig loads configuration with viper: defaults, then an optional
// config file (path may be empty), then METASTATE_* environment variables.
//
// Supported keys (env form):
// - METASTATE_NODE_ID
// - METASTATE_ENGINE_TYPE (must be "local")
// - METASTATE_LOG_LEVEL (debug|info|warn|error)
// - METASTATE_DATA_DIR
// - METASTATE_GRPC_ADDR
// - METASTATE_METRICS_ADDR (empty disables the metrics server)
// - METASTATE_PPROF_ADDR (empty disables the pprof server)
// - METASTATE_SNAPSHOT_EVERY (uint, 0 = disabled)
// - METASTATE_TRACING_ENABLED, METASTATE_TRACING_ENDPOINT,
//   METASTATE_TRACING_SERVICE_NAME
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("node_id", def.NodeID)
	v.SetDefault("engine_type", string(def.EngineType))
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("grpc_addr", def.GRPCAddr)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("pprof_addr", def.PprofAddr)
	v.SetDefault("snapshot_every", def.SnapshotEvery)
	v.SetDefault("tracing_enabled", def.TracingEnabled)
	v.SetDefault("tracing_endpoint", def.TracingEndpoint)
	v.SetDefault("tracing_service_name", def.TracingServiceName)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("app: read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("METASTATE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("app: decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch c.EngineType {
	case EngineTypeLocal:
	default:
		return fmt.Errorf("app: unsupported engine type %q", c.EngineType)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return fmt.Errorf("app: grpc addr is required")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	return nil
}
