package config

import "github.com/spf13/viper"

// setDefaults seeds v with the values a bare node runs with.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":5000")
	v.SetDefault("data_dir", ".")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "oprd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("feed.poll_interval_secs", 10)
	v.SetDefault("feed.request_timeout_secs", 30)
	v.SetDefault("feed.backoff_base_secs", 10)
}
