package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DriverPostgres selects the PostgreSQL dialector
	DriverPostgres = "postgres"

	// DriverSQLite selects the SQLite dialector
	DriverSQLite = "sqlite"

	// DefaultCleanupBatchSize bounds the rows removed per DELETE statement
	DefaultCleanupBatchSize = 1000

	// DefaultConnectRetries is the number of connection attempts made by Open
	DefaultConnectRetries = 5
)

// Config holds relational storage configuration.
type Config struct {
	// Driver is "postgres" or "sqlite" (default "postgres")
	Driver string

	// DSN overrides the connection string built from the fields below
	DSN string

	// PostgreSQL connection settings
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string

	// Path is the SQLite database file
	Path string

	// Connection pool. SQLite always uses a single connection.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectRetries is how many times Open tries to reach the database
	ConnectRetries int

	// RetryBackoff is the initial delay between attempts; it doubles each time
	RetryBackoff time.Duration

	// AutoMigrate creates or updates the tables on New. Intended for
	// development and tests; production schemas should be migrated out of band.
	AutoMigrate bool

	// CleanupBatchSize bounds each DELETE issued by DeleteExpiredData
	CleanupBatchSize int

	// Clock is the time source for expiry predicates
	Clock storage.Clock

	// Logger for storage events (default slog.Default())
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	c.Driver = strings.ToLower(c.Driver)
	if c.Driver == "" || c.Driver == "postgresql" {
		c.Driver = DriverPostgres
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = DefaultCleanupBatchSize
	}
	c.Clock = storage.ClockOrDefault(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectionString returns DSN, or builds one from the driver specific fields.
func (c *Config) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case DriverSQLite:
		return c.Path
	default:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			c.Host, c.User, c.Password, c.Name, c.Port, sslMode)
	}
}

// String returns a representation with the password masked
func (c Config) String() string {
	return fmt.Sprintf("Config{Driver: %s, Host: %s, Port: %s, User: %s, Password: [REDACTED], Name: %s, Path: %s}",
		c.Driver, c.Host, c.Port, c.User, c.Name, c.Path)
}
