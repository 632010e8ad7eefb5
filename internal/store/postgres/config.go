package postgres

import (
	"errors"
	"fmt"
	"time"
)

// PoolConfig configures the pgx connection pool. Zero values take the
// defaults applied by ApplyDefaults.
type PoolConfig struct {
	// ConnString is a postgres:// URL or key=value DSN.
	ConnString string

	MaxConns        int32         // 10
	MinConns        int32         // 1
	MaxConnLifetime time.Duration // 1h
	MaxConnIdleTime time.Duration // 30m
	ConnectTimeout  time.Duration // 10s
}

func (c *PoolConfig) Validate() error {
	if c.ConnString == "" {
		return errors.New("connection string is required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns %d exceeds max conns %d", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *PoolConfig) ApplyDefaults() {
	c.MaxConns = orDefault(c.MaxConns, 10)
	c.MinConns = orDefault(c.MinConns, 1)
	c.MaxConnLifetime = orDefault(c.MaxConnLifetime, time.Hour)
	c.MaxConnIdleTime = orDefault(c.MaxConnIdleTime, 30*time.Minute)
	c.ConnectTimeout = orDefault(c.ConnectTimeout, 10*time.Second)
}

// JobStoreConfig configures the job store on top of the pool.
type JobStoreConfig struct {
	// MaxAttempts is the attempt budget given to newly created jobs.
	MaxAttempts int

	// QueryTimeoutSeconds bounds each statement. Negative values leave
	// deadlines to the caller's context.
	QueryTimeoutSeconds int32

	// AutoMigrate runs the embedded migrations when the store is created.
	AutoMigrate bool

	// MonitorIntervalSeconds is how often pool statistics are logged.
	MonitorIntervalSeconds int32
}

func (c *JobStoreConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}

func (c *JobStoreConfig) ApplyDefaults() {
	c.MaxAttempts = orDefault(c.MaxAttempts, 2)
	c.QueryTimeoutSeconds = orDefault(c.QueryTimeoutSeconds, 10)
	c.MonitorIntervalSeconds = orDefault(c.MonitorIntervalSeconds, 30)
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
