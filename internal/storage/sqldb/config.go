package sqldb

import "time"

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds SQL connection settings
type Config struct {
	// Driver is DriverSQLite or DriverPostgres
	Driver string
	// DSN is a file path or URI for SQLite, a connection string for Postgres
	DSN string

	MaxOpenConns int

	// OperationTimeout bounds every individual storage call
	OperationTimeout time.Duration
}

// DefaultConfig returns a file-backed SQLite configuration
func DefaultConfig() Config {
	return Config{
		Driver:           DriverSQLite,
		DSN:              "clanharvest.db",
		MaxOpenConns:     1,
		OperationTimeout: 5 * time.Second,
	}
}
