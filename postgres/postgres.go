package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/harborcommerce/lib-eventbus/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

var (
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	ErrNotConnected             = errors.New("postgres connection is not established")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection is a hub that owns one database/sql pool over the pgx driver.
// The zero value plus ConnectionString is usable; defaults fill in on
// Connect.
type Connection struct {
	ConnectionString   string
	Component          string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	Logger             log.Logger

	db        *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}

	if conn.ConnMaxLifetime <= 0 {
		conn.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if conn.ConnMaxIdleTime <= 0 {
		conn.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
}

// Connect opens the pool and verifies it with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if conn.ConnectionString == "" {
		return ErrConnectionStringRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.db != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.Err(err),
			)
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to postgres",
		log.String("component", conn.Component),
		log.String("dsn", SanitizeConnectionString(conn.ConnectionString)),
	)

	db, err := sql.Open("pgx", conn.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %s", sanitizeSensitiveError(err))
	}

	db.SetMaxOpenConns(conn.MaxOpenConnections)
	db.SetMaxIdleConns(conn.MaxIdleConnections)
	db.SetConnMaxLifetime(conn.ConnMaxLifetime)
	db.SetConnMaxIdleTime(conn.ConnMaxIdleTime)

	pingCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		pingCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	conn.db = db
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres",
		log.String("component", conn.Component),
	)

	return nil
}

// DB returns the pool, connecting lazily on first use.
func (conn *Connection) DB(ctx context.Context) (*sql.DB, error) {
	conn.mu.RLock()
	if conn.connected && conn.db != nil {
		db := conn.db
		conn.mu.RUnlock()

		return db, nil
	}
	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.connected && conn.db != nil {
		return conn.db, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	if conn.db == nil {
		return nil, ErrNotConnected
	}

	return conn.db, nil
}

// IsConnected reports whether the pool has been opened and pinged.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected && conn.db != nil
}

// Ping verifies the pool is still alive.
func (conn *Connection) Ping(ctx context.Context) error {
	conn.mu.RLock()
	db := conn.db
	connected := conn.connected
	conn.mu.RUnlock()

	if !connected || db == nil {
		return ErrNotConnected
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %s", sanitizeSensitiveError(err))
	}

	return nil
}

// Close releases the pool.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.db == nil {
		conn.connected = false

		return nil
	}

	err := conn.db.Close()
	conn.db = nil
	conn.connected = false

	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	return nil
}

// Migrate applies the migrations under path inside source to the connected
// database. Already-applied migrations are skipped.
func (conn *Connection) Migrate(ctx context.Context, source fs.FS, path string) error {
	db, err := conn.DB(ctx)
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(source, path)
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}

	dbDriver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("opening migration target: %s", sanitizeSensitiveError(err))
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %s", sanitizeSensitiveError(err))
	}

	conn.Logger.Log(ctx, log.LevelInfo, "postgres migrations applied",
		log.String("component", conn.Component),
	)

	return nil
}

// BuildConnectionString assembles a postgres URL with proper escaping of
// every part.
func BuildConnectionString(host, port, user, password, database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + database,
	}

	return u.String()
}

// SanitizeConnectionString strips credentials from a DSN for logging.
func SanitizeConnectionString(dsn string) string {
	sanitized := connectionStringCredentialsPattern.ReplaceAllString(dsn, "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeConnectionString(err.Error())
}
