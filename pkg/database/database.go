package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// sqlitePrefix selects the embedded SQLite driver instead of Postgres
const sqlitePrefix = "sqlite:"

// Client holds the database client
type Client struct {
	DB *gorm.DB
	db *sql.DB // Underlying database for pool stats
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum amount of time a connection may be reused
	ConnMaxIdleTime time.Duration // Maximum amount of time a connection may be idle
}

// SSLConfig holds SSL/TLS configuration for database connections
type SSLConfig struct {
	Mode         string // disable, require, verify-ca, verify-full
	CertPath     string // Path to client certificate
	KeyPath      string // Path to client key
	RootCertPath string // Path to root CA certificate
}

// DefaultPoolConfig returns sensible defaults for connection pooling
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// BuildConnectionString builds a PostgreSQL connection string with SSL parameters
func BuildConnectionString(baseURL string, sslCfg *SSLConfig) (string, error) {
	if sslCfg == nil {
		return baseURL, nil
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse database URL: %w", err)
	}

	query := parsedURL.Query()

	// Set SSL mode (overrides any existing sslmode in URL)
	if sslCfg.Mode != "" {
		query.Set("sslmode", sslCfg.Mode)
	}
	if sslCfg.CertPath != "" {
		query.Set("sslcert", sslCfg.CertPath)
	}
	if sslCfg.KeyPath != "" {
		query.Set("sslkey", sslCfg.KeyPath)
	}
	if sslCfg.RootCertPath != "" {
		query.Set("sslrootcert", sslCfg.RootCertPath)
	}

	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

// NewClient creates a new database client with connection pooling
func NewClient(databaseURL string) (*Client, error) {
	return NewClientWithPoolAndSSL(databaseURL, DefaultPoolConfig(), nil)
}

// NewClientWithPoolAndSSL opens the database, configures the pool and applies migrations.
// URLs starting with "sqlite:" open an embedded SQLite database instead of Postgres.
func NewClientWithPoolAndSSL(databaseURL string, poolCfg PoolConfig, sslCfg *SSLConfig) (*Client, error) {
	if strings.HasPrefix(databaseURL, sqlitePrefix) {
		return OpenSQLite(strings.TrimPrefix(databaseURL, sqlitePrefix))
	}

	connStr, err := BuildConnectionString(databaseURL, sslCfg)
	if err != nil {
		return nil, fmt.Errorf("failed building connection string: %w", err)
	}

	if sslCfg != nil && sslCfg.Mode != "" && sslCfg.Mode != "disable" {
		log.Printf("🔒 Database SSL enabled (mode: %s)", sslCfg.Mode)
	}

	// Open sql.DB first to configure connection pool
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to postgres: %w", err)
	}

	sqlDB.SetMaxOpenConns(poolCfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(poolCfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(poolCfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(poolCfg.ConnMaxIdleTime)

	log.Printf("✅ Database connection pool configured (max_open: %d, max_idle: %d, max_lifetime: %s, max_idle_time: %s)",
		poolCfg.MaxOpenConns, poolCfg.MaxIdleConns, poolCfg.ConnMaxLifetime, poolCfg.ConnMaxIdleTime)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed opening gorm on postgres: %w", err)
	}

	return migrate(gdb, sqlDB)
}

// OpenSQLite opens an embedded SQLite database. SQLite allows a single writer,
// so the pool is pinned to one connection and callers queue on it.
func OpenSQLite(dsn string) (*Client, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed opening sqlite: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed getting sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return migrate(gdb, sqlDB)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func migrate(gdb *gorm.DB, sqlDB *sql.DB) (*Client, error) {
	if err := models.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("failed creating schema resources: %w", err)
	}

	log.Println("✅ Database connected and migrations applied")

	return &Client{
		DB: gdb,
		db: sqlDB,
	}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping checks if the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Stats returns database connection pool statistics
func (c *Client) Stats() sql.DBStats {
	return c.db.Stats()
}
