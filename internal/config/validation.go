package config

import (
	"fmt"
	"os"
	"strings"
)

var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"pebble":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validScopes = map[string]bool{
	"RESHARE": true,
	"ACCEPT":  true,
}

// ValidateConfig checks cfg for the mistakes a node cannot start with.
func ValidateConfig(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("unknown log_level %q (debug, info, warn, error)", cfg.LogLevel)
	}
	if err := validateDatabase(&cfg.Database); err != nil {
		return err
	}
	if len(cfg.Hosts) == 0 {
		return fmt.Errorf("at least one [[host]] is required")
	}

	names := map[string]bool{}
	orgs := map[string]bool{}
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		if err := validateHost(cfg, h); err != nil {
			return fmt.Errorf("host %q: %w", h.Name, err)
		}
		if names[h.Name] {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		names[h.Name] = true
		if orgs[h.OrgURL] {
			return fmt.Errorf("duplicate host org_url %q", h.OrgURL)
		}
		orgs[h.OrgURL] = true
	}
	return nil
}

func validateDatabase(db *DatabaseConfig) error {
	if !validDrivers[db.Driver] {
		return fmt.Errorf("unknown database driver %q (sqlite, postgres, pebble)", db.Driver)
	}
	switch db.Driver {
	case "postgres":
		if db.DBName == "" {
			return fmt.Errorf("database.dbname is required for postgres")
		}
		if db.User == "" {
			return fmt.Errorf("database.user is required for postgres")
		}
	default:
		if db.Path == "" {
			return fmt.Errorf("database.path is required for %s", db.Driver)
		}
	}
	return nil
}

func validateHost(cfg *Config, h *HostConfig) error {
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(h.Name, "/ ") {
		return fmt.Errorf("name %q cannot contain slashes or spaces", h.Name)
	}
	if h.OrgURL == "" {
		return fmt.Errorf("org_url is required")
	}
	if h.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	keyPath := cfg.ResolvePath(h.KeyFile)
	if _, err := os.Stat(keyPath); err != nil {
		return fmt.Errorf("key_file %s is not readable: %w", keyPath, err)
	}
	if h.ListingDelayMs < 0 {
		return fmt.Errorf("listing_delay_ms cannot be negative")
	}
	for _, l := range h.Listings {
		if l.OrgURL == "" {
			return fmt.Errorf("listing org_url is required")
		}
		for _, s := range l.Scopes {
			if !validScopes[s] {
				return fmt.Errorf("unknown listing scope %q (RESHARE, ACCEPT)", s)
			}
		}
	}
	for _, p := range h.Producers {
		if p.OrgURL == "" {
			return fmt.Errorf("producer org_url is required")
		}
		if p.OrgURL == h.OrgURL {
			return fmt.Errorf("host cannot ingest from itself")
		}
	}
	return nil
}
