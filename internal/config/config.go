package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/batch"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/threshold"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. BULKLOADER_EXECUTOR_MAX_IN_FLIGHT.
const EnvPrefix = "BULKLOADER"

// Config represents the complete configuration of the bulk loader
type Config struct {
	Executor    ExecutorConfig    `yaml:"executor" mapstructure:"executor"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Partitioner PartitionerConfig `yaml:"partitioner" mapstructure:"partitioner"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Topology    TopologyConfig    `yaml:"topology" mapstructure:"topology"`
	Simulation  SimulationConfig  `yaml:"simulation" mapstructure:"simulation"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// ExecutorConfig holds request admission configuration. Non-positive
// values disable the corresponding limit.
type ExecutorConfig struct {
	MaxInFlight          int     `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	MaxConcurrentQueries int     `yaml:"max_concurrent_queries" mapstructure:"max_concurrent_queries"`
	MaxPerSecond         float64 `yaml:"max_per_second" mapstructure:"max_per_second"`
	FailFast             bool    `yaml:"fail_fast" mapstructure:"fail_fast"`
	ResultBuffer         int     `yaml:"result_buffer" mapstructure:"result_buffer"`
}

// BatchConfig holds statement batching configuration
type BatchConfig struct {
	Mode               string `yaml:"mode" mapstructure:"mode"`
	MaxBatchStatements int    `yaml:"max_batch_statements" mapstructure:"max_batch_statements"`
	MaxSizeInBytes     int64  `yaml:"max_size_in_bytes" mapstructure:"max_size_in_bytes"`
	BufferSize         int    `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// PartitionerConfig holds read partitioning configuration
type PartitionerConfig struct {
	SplitCount int `yaml:"split_count" mapstructure:"split_count"`
	// MaxGroupSize caps the split ranges merged into one read group. Zero or
	// less leaves groups bounded by their ring share only.
	MaxGroupSize int `yaml:"max_group_size" mapstructure:"max_group_size"`
}

// LogConfig holds the error threshold: "unlimited", a count such as "100",
// or a rate such as "5%".
type LogConfig struct {
	MaxErrors string `yaml:"max_errors" mapstructure:"max_errors"`
	MinSample int64  `yaml:"min_sample" mapstructure:"min_sample"`
}

// TopologyConfig holds cluster metadata configuration
type TopologyConfig struct {
	Source            string       `yaml:"source" mapstructure:"source"`
	Partitioner       string       `yaml:"partitioner" mapstructure:"partitioner"`
	ReplicationFactor int          `yaml:"replication_factor" mapstructure:"replication_factor"`
	Nodes             []NodeConfig `yaml:"nodes" mapstructure:"nodes"`
	Gossip            GossipConfig `yaml:"gossip" mapstructure:"gossip"`
}

// NodeConfig declares one node of a static topology
type NodeConfig struct {
	ID     string   `yaml:"id" mapstructure:"id"`
	Tokens []string `yaml:"tokens" mapstructure:"tokens"`
	VNodes int      `yaml:"vnodes" mapstructure:"vnodes"`
}

// GossipConfig holds gossip discovery configuration
type GossipConfig struct {
	NodeName       string        `yaml:"node_name" mapstructure:"node_name"`
	BindAddr       string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort       int           `yaml:"bind_port" mapstructure:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes" mapstructure:"seed_nodes"`
	JoinTimeout    time.Duration `yaml:"join_timeout" mapstructure:"join_timeout"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// SimulationConfig drives the in-memory cluster of the simulate command
type SimulationConfig struct {
	Keyspace    string        `yaml:"keyspace" mapstructure:"keyspace"`
	Table       string        `yaml:"table" mapstructure:"table"`
	Rows        int           `yaml:"rows" mapstructure:"rows"`
	PageSize    int           `yaml:"page_size" mapstructure:"page_size"`
	Latency     time.Duration `yaml:"latency" mapstructure:"latency"`
	FailureRate float64       `yaml:"failure_rate" mapstructure:"failure_rate"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, when given, then applies BULKLOADER_*
// environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	v := viper.New()
	registerDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// registerDefaults makes every scalar key known to viper so that
// environment overrides apply even when the file omits the key.
func registerDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("executor.max_in_flight", d.Executor.MaxInFlight)
	v.SetDefault("executor.max_concurrent_queries", d.Executor.MaxConcurrentQueries)
	v.SetDefault("executor.max_per_second", d.Executor.MaxPerSecond)
	v.SetDefault("executor.fail_fast", d.Executor.FailFast)
	v.SetDefault("executor.result_buffer", d.Executor.ResultBuffer)
	v.SetDefault("batch.mode", d.Batch.Mode)
	v.SetDefault("batch.max_batch_statements", d.Batch.MaxBatchStatements)
	v.SetDefault("batch.max_size_in_bytes", d.Batch.MaxSizeInBytes)
	v.SetDefault("batch.buffer_size", d.Batch.BufferSize)
	v.SetDefault("partitioner.split_count", d.Partitioner.SplitCount)
	v.SetDefault("partitioner.max_group_size", d.Partitioner.MaxGroupSize)
	v.SetDefault("log.max_errors", d.Log.MaxErrors)
	v.SetDefault("log.min_sample", d.Log.MinSample)
	v.SetDefault("topology.source", d.Topology.Source)
	v.SetDefault("topology.partitioner", d.Topology.Partitioner)
	v.SetDefault("topology.replication_factor", d.Topology.ReplicationFactor)
	v.SetDefault("topology.gossip.bind_port", d.Topology.Gossip.BindPort)
	v.SetDefault("topology.gossip.join_timeout", d.Topology.Gossip.JoinTimeout)
	v.SetDefault("simulation.keyspace", d.Simulation.Keyspace)
	v.SetDefault("simulation.table", d.Simulation.Table)
	v.SetDefault("simulation.rows", d.Simulation.Rows)
	v.SetDefault("simulation.page_size", d.Simulation.PageSize)
	v.SetDefault("simulation.latency", d.Simulation.Latency)
	v.SetDefault("simulation.failure_rate", d.Simulation.FailureRate)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Executor.MaxInFlight == 0 {
		cfg.Executor.MaxInFlight = 1024
	}
	if cfg.Executor.MaxConcurrentQueries == 0 {
		cfg.Executor.MaxConcurrentQueries = 64
	}
	if cfg.Executor.ResultBuffer == 0 {
		cfg.Executor.ResultBuffer = 64
	}

	if cfg.Batch.Mode == "" {
		cfg.Batch.Mode = batch.ModePartitionKey.String()
	}
	if cfg.Batch.MaxBatchStatements == 0 {
		cfg.Batch.MaxBatchStatements = 32
	}

	if cfg.Partitioner.SplitCount == 0 {
		cfg.Partitioner.SplitCount = 64
	}

	if cfg.Log.MaxErrors == "" {
		cfg.Log.MaxErrors = "100"
	}
	if cfg.Log.MinSample == 0 {
		cfg.Log.MinSample = threshold.DefaultMinSample
	}

	if cfg.Topology.Source == "" {
		cfg.Topology.Source = "static"
	}
	if cfg.Topology.Partitioner == "" {
		cfg.Topology.Partitioner = token.Murmur3Factory().Name()
	}
	if cfg.Topology.ReplicationFactor == 0 {
		cfg.Topology.ReplicationFactor = 3
	}
	if cfg.Topology.Source == "static" && len(cfg.Topology.Nodes) == 0 {
		for i := 1; i <= 3; i++ {
			cfg.Topology.Nodes = append(cfg.Topology.Nodes, NodeConfig{ID: fmt.Sprintf("node-%d", i), VNodes: 16})
		}
	}
	if cfg.Topology.Gossip.BindPort == 0 {
		cfg.Topology.Gossip.BindPort = 7946
	}
	if cfg.Topology.Gossip.JoinTimeout == 0 {
		cfg.Topology.Gossip.JoinTimeout = 30 * time.Second
	}

	if cfg.Simulation.Keyspace == "" {
		cfg.Simulation.Keyspace = "ks"
	}
	if cfg.Simulation.Table == "" {
		cfg.Simulation.Table = "records"
	}
	if cfg.Simulation.Rows == 0 {
		cfg.Simulation.Rows = 10000
	}
	if cfg.Simulation.PageSize == 0 {
		cfg.Simulation.PageSize = 500
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.BatchSettings(); err != nil {
		return err
	}
	if _, err := c.Threshold(); err != nil {
		return err
	}
	if _, err := token.FactoryForPartitioner(c.Topology.Partitioner); err != nil {
		return errors.InvalidConfig("topology.partitioner", err.Error())
	}
	if c.Partitioner.SplitCount < 1 {
		return errors.InvalidConfig("partitioner.split_count", "must be positive")
	}
	if c.Executor.MaxPerSecond < 0 {
		return errors.InvalidConfig("executor.max_per_second", "must not be negative")
	}
	if c.Topology.ReplicationFactor < 1 {
		return errors.InvalidConfig("topology.replication_factor", "must be positive")
	}
	switch c.Topology.Source {
	case "static":
		if len(c.Topology.Nodes) == 0 {
			return errors.InvalidConfig("topology.nodes", "a static topology needs at least one node")
		}
	case "gossip":
		if len(c.Topology.Gossip.SeedNodes) == 0 {
			return errors.InvalidConfig("topology.gossip.seed_nodes", "at least one seed node is required")
		}
	default:
		return errors.InvalidConfig("topology.source", fmt.Sprintf("unknown source %q", c.Topology.Source))
	}
	if c.Simulation.FailureRate < 0 || c.Simulation.FailureRate > 1 {
		return errors.InvalidConfig("simulation.failure_rate", "must be between 0 and 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.InvalidConfig("metrics.port", "must be between 1 and 65535")
	}
	return nil
}

// BatchSettings returns the validated batching configuration.
func (c *Config) BatchSettings() (batch.Config, error) {
	mode, err := batch.ParseMode(c.Batch.Mode)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		Mode:               mode,
		MaxBatchStatements: c.Batch.MaxBatchStatements,
		MaxSizeInBytes:     c.Batch.MaxSizeInBytes,
		BufferSize:         c.Batch.BufferSize,
	}.Validate()
}

// Threshold returns the parsed error threshold.
func (c *Config) Threshold() (threshold.Threshold, error) {
	return threshold.Parse(c.Log.MaxErrors, c.Log.MinSample)
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
