// Package config loads and validates the node configuration from TOML,
// environment variables and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the complete node configuration.
type Config struct {
	// ListenAddress of the federation API, host:port.
	ListenAddress string `toml:"listen_address" mapstructure:"listen_address"`
	// DataDir anchors relative storage and key paths.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
	// LogLevel: debug, info, warn or error.
	LogLevel string `toml:"log_level" mapstructure:"log_level"`

	Database DatabaseConfig `toml:"database" mapstructure:"database"`
	Feed     FeedConfig     `toml:"feed" mapstructure:"feed"`
	Hosts    []HostConfig   `toml:"host" mapstructure:"host"`

	configPath string
}

// DatabaseConfig selects and parameterizes the storage backend.
type DatabaseConfig struct {
	// Driver: sqlite, postgres or pebble.
	Driver string `toml:"driver" mapstructure:"driver"`
	// Path of the sqlite file or pebble directory. Relative paths resolve
	// under DataDir.
	Path string `toml:"path" mapstructure:"path"`

	// Postgres connection settings.
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	User     string `toml:"user" mapstructure:"user"`
	Password string `toml:"password" mapstructure:"password"`
	DBName   string `toml:"dbname" mapstructure:"dbname"`
	SSLMode  string `toml:"sslmode" mapstructure:"sslmode"`

	MaxOpenConns int `toml:"max_open_conns" mapstructure:"max_open_conns"`
}

// PostgresDSN renders the lib/pq connection string.
func (d DatabaseConfig) PostgresDSN() string {
	parts := []string{
		"host=" + d.Host,
		fmt.Sprintf("port=%d", d.Port),
		"dbname=" + d.DBName,
		"sslmode=" + d.SSLMode,
	}
	if d.User != "" {
		parts = append(parts, "user="+d.User)
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// FeedConfig tunes the producer polling loop.
type FeedConfig struct {
	PollIntervalSecs   int `toml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	RequestTimeoutSecs int `toml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	BackoffBaseSecs    int `toml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
}

// PollInterval returns the poll interval as a duration.
func (f FeedConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSecs) * time.Second
}

// RequestTimeout returns the producer timeout as a duration.
func (f FeedConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSecs) * time.Second
}

// BackoffBase returns the failure backoff base as a duration.
func (f FeedConfig) BackoffBase() time.Duration {
	return time.Duration(f.BackoffBaseSecs) * time.Second
}

// HostConfig describes one hosted organization.
type HostConfig struct {
	// Name is the URL path segment the host mounts under.
	Name string `toml:"name" mapstructure:"name"`
	// OrgURL is the organization's canonical URL.
	OrgURL string `toml:"org_url" mapstructure:"org_url"`
	// OrgName is the human-readable organization name.
	OrgName string `toml:"org_name" mapstructure:"org_name"`
	// KeyFile is the PEM file holding the host's RSA signing key. Relative
	// paths resolve under DataDir.
	KeyFile string `toml:"key_file" mapstructure:"key_file"`
	// KeyID published as the JWK kid.
	KeyID string `toml:"key_id" mapstructure:"key_id"`
	// EnrollmentURL published in the descriptor. Optional.
	EnrollmentURL string `toml:"enrollment_url" mapstructure:"enrollment_url"`
	// InternalChecks enables timeline consistency checks after writes.
	InternalChecks bool `toml:"internal_checks" mapstructure:"internal_checks"`
	// ListingDelayMs delays new listings by this many milliseconds.
	ListingDelayMs int64 `toml:"listing_delay_ms" mapstructure:"listing_delay_ms"`
	// EarliestNextRequestSecs, when positive, is the polling interval hint
	// returned to listers.
	EarliestNextRequestSecs int64 `toml:"earliest_next_request_secs" mapstructure:"earliest_next_request_secs"`

	Listings  []ListingConfig  `toml:"listing" mapstructure:"listing"`
	Producers []ProducerConfig `toml:"producer" mapstructure:"producer"`
}

// ListingConfig is one target of the host's listing policy.
type ListingConfig struct {
	// OrgURL of the target, or "*" for every organization.
	OrgURL string `toml:"org_url" mapstructure:"org_url"`
	// Scopes granted to the target: RESHARE and/or ACCEPT. Defaults to
	// ACCEPT.
	Scopes []string `toml:"scopes" mapstructure:"scopes"`
}

// ProducerConfig is one peer the host ingests offers from.
type ProducerConfig struct {
	// OrgURL of the peer organization.
	OrgURL string `toml:"org_url" mapstructure:"org_url"`
	// MaxPages bounds one snapshot fetch. Zero uses the client default.
	MaxPages int `toml:"max_pages" mapstructure:"max_pages"`
}

// Path returns the loaded config file path, empty when defaults only.
func (c *Config) Path() string {
	return c.configPath
}

// ResolvePath resolves p under DataDir when it is relative.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
