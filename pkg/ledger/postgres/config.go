package postgres

import "time"

// DefaultApplicationName tags ledger connections in pg_stat_activity.
const DefaultApplicationName = "omega-ledger"

// Config configures the PostgreSQL ledger.
type Config struct {
	// DSN is a libpq-style URL or keyword/value connection string.
	DSN string

	// MaxConns caps the pool (default 25).
	MaxConns int32

	// MinConns is the number of idle connections kept open (default 2,
	// never more than MaxConns).
	MinConns int32

	// MaxConnLifetime recycles connections (default 5 minutes).
	MaxConnLifetime time.Duration

	// ApplicationName is reported to the server unless the DSN sets one.
	ApplicationName string

	// MigrateOnStart applies pending migrations in New.
	MigrateOnStart bool
}

func (c *Config) defaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
	if c.ApplicationName == "" {
		c.ApplicationName = DefaultApplicationName
	}
}
