package dbconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds Postgres connection and pool settings.
type Config struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// Default is a local development database.
func Default() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "roundsync",
		SSLMode:         "disable",
		MaxConns:        10,
		MaxConnLifetime: time.Hour,
	}
}

// NewConfigFromEnv reads DB_* environment variables over Default.
func NewConfigFromEnv() Config {
	c := Default()
	c.ApplyEnv()
	return c
}

// ApplyEnv overrides fields whose DB_* variable is set. DATABASE_URL
// replaces the discrete connection fields entirely.
func (c *Config) ApplyEnv() {
	c.URL = getEnv("DATABASE_URL", c.URL)
	c.Host = getEnv("DB_HOST", c.Host)
	c.Port = getEnvAsInt("DB_PORT", c.Port)
	c.User = getEnv("DB_USER", c.User)
	c.Password = getEnv("DB_PASSWORD", c.Password)
	c.Database = getEnv("DB_NAME", c.Database)
	c.SSLMode = getEnv("DB_SSLMODE", c.SSLMode)
	c.MaxConns = getEnvAsInt("DB_MAX_CONNS", c.MaxConns)
	c.MinConns = getEnvAsInt("DB_MIN_CONNS", c.MinConns)
}

func (c Config) Validate() error {
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("invalid database url: %w", err)
		}
		return nil
	}
	if c.Host == "" || c.Database == "" {
		return errors.New("database host and name are required")
	}
	if c.MaxConns <= 0 {
		return errors.New("database max_conns must be greater than 0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("database min_conns must be between 0 and %d", c.MaxConns)
	}
	return nil
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// PoolDSN returns the DSN with pgxpool sizing parameters added.
func (c Config) PoolDSN() string {
	u, err := url.Parse(c.DSN())
	if err != nil {
		return c.DSN()
	}
	q := u.Query()
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(c.MaxConns))
	}
	if c.MinConns > 0 {
		q.Set("pool_min_conns", strconv.Itoa(c.MinConns))
	}
	if c.MaxConnLifetime > 0 {
		q.Set("pool_max_conn_lifetime", c.MaxConnLifetime.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
