// Package config loads driver-level defaults from an INI file, with
// environment variable overrides, the way the original proxy loaded its
// listener/backend settings.
package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Config holds the settings the pgdriver demo CLI uses to open and tune
// a connection before handing it to application code.
type Config struct {
	DSN     string
	Connect ConnectConfig
	Prepare PrepareConfig
}

// ConnectConfig controls Connect's behavior independent of the DSN
// itself.
type ConnectConfig struct {
	Autocommit     bool
	ConnectTimeout int // seconds, 0 = no deadline
}

// PrepareConfig mirrors prepare.Manager's tunables so they can be set
// without recompiling.
type PrepareConfig struct {
	Threshold   int
	MaxPrepared int
}

// Load reads configuration from an INI file, falling back to built-in
// defaults for anything the file omits, then applies PGDRIVER_* and the
// libpq-standard PG* environment variable overrides.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	sec := cfg.Section("connection")
	prep := cfg.Section("prepare")

	c := &Config{
		DSN: sec.Key("dsn").MustString("host=localhost port=5432 dbname=postgres"),
		Connect: ConnectConfig{
			Autocommit:     sec.Key("autocommit").MustBool(true),
			ConnectTimeout: sec.Key("connect_timeout").MustInt(10),
		},
		Prepare: PrepareConfig{
			Threshold:   prep.Key("threshold").MustInt(5),
			MaxPrepared: prep.Key("max_prepared").MustInt(100),
		},
	}

	if v := os.Getenv("PGDRIVER_DSN"); v != "" {
		c.DSN = v
	} else if v := os.Getenv("PGURL"); v != "" {
		c.DSN = v
	}
	if v := os.Getenv("PGCONNECT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Connect.ConnectTimeout = n
		}
	}
	if v := os.Getenv("PGDRIVER_PREPARE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Prepare.Threshold = n
		}
	}

	return c, nil
}
