package postgres

import (
	"fmt"
	"strings"
	"time"
)

// Config describes the audit-history database connection. Zero values fall
// back to local-development defaults, so a bare &Config{Host: "..."} is
// enough to point a shard at a database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string // defaults to User
	SSLMode  string // disable, require, verify-ca, verify-full

	// Pool limits. The history store only ever sees short insert and
	// lookup queries, so the defaults stay small.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var sslModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// withDefaults returns a copy with every unset field filled in.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.User == "" {
		cfg.User = "tradegrid"
	}
	if cfg.Database == "" {
		cfg.Database = cfg.User
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &cfg
}

// Validate rejects settings that no default can repair.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SSLMode != "" && !sslModes[c.SSLMode] {
		return fmt.Errorf("unknown sslmode %q", c.SSLMode)
	}
	return nil
}

// DSN renders the lib/pq connection string. An empty password is omitted so
// trust-authenticated local setups work without a placeholder.
func (c *Config) DSN() string {
	cfg := c.withDefaults()
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("user=%s", cfg.User),
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	parts = append(parts,
		fmt.Sprintf("dbname=%s", cfg.Database),
		fmt.Sprintf("sslmode=%s", cfg.SSLMode),
	)
	return strings.Join(parts, " ")
}
