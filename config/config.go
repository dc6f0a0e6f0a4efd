package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role identifies which shard component a node runs.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleTrade   Role = "trade"
	RoleGateway Role = "gateway"
	RoleRouter  Role = "router"
)

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// RedisConfig holds the shared cache / event bus backend configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EventBusConfig holds event bus tuning parameters
type EventBusConfig struct {
	Partitions     int `yaml:"partitions"`      // streams per topic
	BatchSize      int `yaml:"batch_size"`      // messages per read
	ConnectRetries int `yaml:"connect_retries"` // bounded connect attempts
}

// PostgresConfig holds the trade history database connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// AgentsConfig holds agent shard limits
type AgentsConfig struct {
	MaxPerShard int `yaml:"max_per_shard"`
}

// ChainConfig describes one blockchain backend for the gateway shard
type ChainConfig struct {
	ID       string            `yaml:"id"`       // e.g. "solana", "sui"
	Endpoint string            `yaml:"endpoint"` // RPC endpoint for the provider
	Options  map[string]string `yaml:"options"`
}

// GatewayConfig holds gateway shard limits and chain backends
type GatewayConfig struct {
	MaxConcurrentTx int           `yaml:"max_concurrent_tx"`
	Chains          []ChainConfig `yaml:"chains"`
}

// BalancerConfig holds consistent-hash ring parameters
type BalancerConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`
}

// NodeConfig holds configuration for a single shard node
type NodeConfig struct {
	ID          string `yaml:"id"`
	Role        Role   `yaml:"role"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"` // Optional: HTTP address for Prometheus metrics
}

// Config is the root configuration structure
type Config struct {
	Version  int            `yaml:"version"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Redis    RedisConfig    `yaml:"redis"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Postgres PostgresConfig `yaml:"postgres"`
	Agents   AgentsConfig   `yaml:"agents"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Balancer BalancerConfig `yaml:"balancer"`
	Nodes    []NodeConfig   `yaml:"nodes"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/tradegrid"
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.EventBus.Partitions <= 0 {
		c.EventBus.Partitions = 4
	}
	if c.EventBus.BatchSize <= 0 {
		c.EventBus.BatchSize = 16
	}
	if c.EventBus.ConnectRetries <= 0 {
		c.EventBus.ConnectRetries = 5
	}

	if c.Agents.MaxPerShard <= 0 {
		c.Agents.MaxPerShard = 100
	}

	if c.Gateway.MaxConcurrentTx <= 0 {
		c.Gateway.MaxConcurrentTx = 50
	}
	chainIDs := make(map[string]bool)
	for i, chain := range c.Gateway.Chains {
		if chain.ID == "" {
			return fmt.Errorf("gateway chain %d: id is required", i)
		}
		if chainIDs[chain.ID] {
			return fmt.Errorf("gateway chain %d: duplicate chain id %s", i, chain.ID)
		}
		chainIDs[chain.ID] = true
	}

	if c.Balancer.VirtualNodes <= 0 {
		c.Balancer.VirtualNodes = 200
	}

	nodeIDs := make(map[string]bool)
	for i, node := range c.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("node %d: duplicate node id %s", i, node.ID)
		}
		nodeIDs[node.ID] = true

		switch node.Role {
		case RoleAgent, RoleTrade, RoleGateway, RoleRouter:
		default:
			return fmt.Errorf("node %s: unsupported role %q", node.ID, node.Role)
		}

		if node.Host == "" {
			return fmt.Errorf("node %s: host is required", node.ID)
		}
		if node.Port <= 0 {
			return fmt.Errorf("node %s: port must be positive", node.ID)
		}
	}

	return nil
}

// GetNodeByID returns the configuration for the node with the given ID
func (c *Config) GetNodeByID(id string) (*NodeConfig, error) {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("node not found in configuration: %s", id)
}

// GetEtcdAddress returns the first etcd endpoint
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) == 0 {
		return ""
	}
	return c.Etcd.Endpoints[0]
}
