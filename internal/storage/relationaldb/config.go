package relationaldb

import (
	"fmt"
	"net/url"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains relational store configuration.
type Config struct {
	Driver string `json:"driver" mapstructure:"driver"`

	// PostgreSQL settings
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Database string `json:"database" mapstructure:"database"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	SSLMode  string `json:"ssl_mode" mapstructure:"ssl_mode"`

	// SQLite settings
	Path string `json:"path" mapstructure:"path"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`

	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
}

// NewConfig returns a Config with sensible defaults (standalone sqlite).
func NewConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		Path:            "nettingd.sqlite",
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  30 * time.Second,
	}
}

// PostgresConfig returns a Config preset for PostgreSQL.
func PostgresConfig(host string, port int, database, username, password string) *Config {
	c := NewConfig()
	c.Driver = DriverPostgres
	c.Host = host
	c.Port = port
	c.Database = database
	c.Username = username
	c.Password = password
	return c
}

// SQLiteConfig returns a Config preset for SQLite at path.
func SQLiteConfig(path string) *Config {
	c := NewConfig()
	c.Driver = DriverSQLite
	c.Path = path
	return c
}

// Validate checks the configuration for the selected driver.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.Host == "" {
			return ErrMissingHost
		}
		if c.Database == "" {
			return ErrMissingDatabase
		}
	case DriverSQLite:
		if c.Path == "" {
			return ErrMissingPath
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Driver)
	}
	return nil
}

// DSN builds the driver-specific connection string.
func (c *Config) DSN() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	switch c.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:   c.Database,
		}
		if c.Username != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		}
		q := u.Query()
		if c.SSLMode != "" {
			q.Set("sslmode", c.SSLMode)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DriverSQLite:
		return c.Path, nil
	}
	return "", ErrInvalidDriver
}

// SQLDriverName maps the configured driver to its database/sql driver name.
func (c *Config) SQLDriverName() string {
	if c.Driver == DriverSQLite {
		return "sqlite"
	}
	return "postgres"
}
