package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFixture writes a config file and the key file it references and
// returns the config path.
func writeFixture(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.pem"), []byte("key material"), 0o600))
	path := filepath.Join(dir, "oprd.toml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir = '"+dir+"'\n"+content), 0o644))
	return path
}

const fixtureTOML = `
listen_address = ":6000"
log_level = "debug"

[database]
driver = "sqlite"
path = "node.db"

[feed]
poll_interval_secs = 5

[[host]]
name = "main"
org_url = "https://main.example.org/org.json"
org_name = "Main Pantry"
key_file = "main.pem"
key_id = "k1"
listing_delay_ms = 250

[[host.listing]]
org_url = "*"
scopes = ["ACCEPT"]

[[host.listing]]
org_url = "https://partner.example.org/org.json"
scopes = ["RESHARE", "ACCEPT"]

[[host.producer]]
org_url = "https://peer.example.org/org.json"
max_pages = 10
`

func TestLoadFile(t *testing.T) {
	path := writeFixture(t, fixtureTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":6000", cfg.ListenAddress)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, path, cfg.Path())
	require.Equal(t, "sqlite", cfg.Database.Driver)

	// File values override defaults; untouched keys keep theirs.
	require.Equal(t, 5*time.Second, cfg.Feed.PollInterval())
	require.Equal(t, 30*time.Second, cfg.Feed.RequestTimeout())

	require.Len(t, cfg.Hosts, 1)
	h := cfg.Hosts[0]
	require.Equal(t, "main", h.Name)
	require.Equal(t, int64(250), h.ListingDelayMs)
	require.Len(t, h.Listings, 2)
	require.Equal(t, "*", h.Listings[0].OrgURL)
	require.Equal(t, []string{"RESHARE", "ACCEPT"}, h.Listings[1].Scopes)
	require.Len(t, h.Producers, 1)
	require.Equal(t, 10, h.Producers[0].MaxPages)

	// Relative paths resolve under data_dir.
	resolved := cfg.ResolvePath(cfg.Database.Path)
	require.Equal(t, filepath.Join(cfg.DataDir, "node.db"), resolved)
	require.Equal(t, "/abs/node.db", cfg.ResolvePath("/abs/node.db"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFixture(t, fixtureTOML)
	t.Setenv("OPRD_LISTEN_ADDRESS", ":7000")
	t.Setenv("OPRD_DATABASE_DRIVER", "pebble")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, "pebble", cfg.Database.Driver)
}

func TestLoadWithoutHostsFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "host")
}

func validTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "main.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte("key material"), 0o600))
	return &Config{
		ListenAddress: ":6000",
		DataDir:       dir,
		LogLevel:      "info",
		Database:      DatabaseConfig{Driver: "sqlite", Path: "node.db"},
		Hosts: []HostConfig{{
			Name:    "main",
			OrgURL:  "https://main.example.org/org.json",
			KeyFile: "main.pem",
		}},
	}
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(validTestConfig(t)))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "unknown database driver"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"postgres needs dbname", func(c *Config) {
			c.Database = DatabaseConfig{Driver: "postgres", User: "oprd"}
		}, "dbname"},
		{"postgres needs user", func(c *Config) {
			c.Database = DatabaseConfig{Driver: "postgres", DBName: "oprd"}
		}, "user"},
		{"host name with slash", func(c *Config) { c.Hosts[0].Name = "a/b" }, "slashes"},
		{"missing key file", func(c *Config) { c.Hosts[0].KeyFile = "absent.pem" }, "not readable"},
		{"negative listing delay", func(c *Config) { c.Hosts[0].ListingDelayMs = -1 }, "listing_delay_ms"},
		{"bad listing scope", func(c *Config) {
			c.Hosts[0].Listings = []ListingConfig{{OrgURL: "*", Scopes: []string{"STEAL"}}}
		}, "unknown listing scope"},
		{"self-ingesting host", func(c *Config) {
			c.Hosts[0].Producers = []ProducerConfig{{OrgURL: c.Hosts[0].OrgURL}}
		}, "ingest from itself"},
		{"duplicate host name", func(c *Config) {
			c.Hosts = append(c.Hosts, c.Hosts[0])
		}, "duplicate host name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{
		Driver:   "postgres",
		Host:     "db.internal",
		Port:     5433,
		User:     "oprd",
		Password: "hunter2",
		DBName:   "oprd",
		SSLMode:  "require",
	}
	require.Equal(t,
		"host=db.internal port=5433 dbname=oprd sslmode=require user=oprd password=hunter2",
		d.PostgresDSN())

	// Credentials are omitted when unset.
	d.User = ""
	d.Password = ""
	require.Equal(t, "host=db.internal port=5433 dbname=oprd sslmode=require", d.PostgresDSN())
}
