package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborcommerce/lib-eventbus/backoff"
	"github.com/harborcommerce/lib-eventbus/log"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second

	// reconnectBackoffBase and reconnectBackoffCap bound the jittered delay
	// enforced between failed dial attempts so a broker outage does not turn
	// into a reconnect storm.
	reconnectBackoffBase = 500 * time.Millisecond
	reconnectBackoffCap  = 30 * time.Second

	// healthCheckPath is the management-API endpoint that reports cluster
	// alarm status.
	healthCheckPath = "/api/health/checks/alarms"
)

var (
	ErrConnectionStringRequired = errors.New("rabbitmq connection string is required")
	ErrNotConnected             = errors.New("rabbitmq connection is not established")
	ErrReconnectRateLimited     = errors.New("rabbitmq reconnect rate-limited")
	ErrHealthCheckFailed        = errors.New("rabbitmq health check failed")
)

// Connection is a hub that owns one AMQP connection and its primary channel.
// The zero value plus ConnectionString is usable; defaults fill in on first
// use. All methods are safe for concurrent use.
type Connection struct {
	ConnectionString string

	// HealthCheckURL is the management API base URL (for example
	// "http://broker:15672"). When set, HealthCheck queries the cluster
	// alarm endpoint; when empty, HealthCheck degrades to a channel probe.
	HealthCheckURL string
	HealthUser     string
	HealthPass     string

	Logger log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	lastDialAttempt time.Time
	dialFailures    int

	// Test seams. Nil values fall back to the real amqp client.
	dial         func(ctx context.Context, connStr string) (*amqp.Connection, error)
	openChannel  func(conn *amqp.Connection) (*amqp.Channel, error)
	healthClient *http.Client
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.dial == nil {
		conn.dial = func(_ context.Context, connStr string) (*amqp.Connection, error) {
			return amqp.Dial(connStr)
		}
	}

	if conn.openChannel == nil {
		conn.openChannel = func(c *amqp.Connection) (*amqp.Channel, error) {
			if c == nil {
				return nil, ErrNotConnected
			}

			return c.Channel()
		}
	}

	if conn.healthClient == nil {
		conn.healthClient = &http.Client{Timeout: defaultHealthCheckTimeout}
	}
}

// Connect dials the broker and opens the primary channel, replacing any
// previous connection.
func (conn *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.initDefaults()

	if conn.ConnectionString == "" {
		return ErrConnectionStringRequired
	}

	conn.closeLocked(ctx)

	return conn.dialLocked(ctx)
}

// dialLocked performs one dial attempt under the mutex, honoring the
// rate-limit window between failures.
func (conn *Connection) dialLocked(ctx context.Context) error {
	if conn.dialFailures > 0 {
		delay := backoff.ExponentialWithJitter(reconnectBackoffBase, conn.dialFailures)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(conn.lastDialAttempt); elapsed < delay {
			return fmt.Errorf("%w: next attempt in %s", ErrReconnectRateLimited, delay-elapsed)
		}
	}

	conn.lastDialAttempt = time.Now()

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq",
		log.String("broker", SanitizeConnectionString(conn.ConnectionString)),
	)

	amqpConn, err := conn.dial(ctx, conn.ConnectionString)
	if err != nil {
		conn.dialFailures++
		conn.connected = false

		sanitized := sanitizeAMQPErr(err, conn.ConnectionString)
		conn.Logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitized),
		)

		return fmt.Errorf("failed to connect to rabbitmq: %w", &sanitizedError{original: err, message: sanitized})
	}

	ch, err := conn.openChannel(amqpConn)
	if err != nil {
		_ = amqpConn.Close()
		conn.dialFailures++
		conn.connected = false

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	conn.conn = amqpConn
	conn.channel = ch
	conn.connected = true
	conn.dialFailures = 0

	conn.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel returns the primary channel, reconnecting if the connection or
// channel has closed underneath us.
func (conn *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.initDefaults()

	if conn.ConnectionString == "" {
		return nil, ErrConnectionStringRequired
	}

	if conn.channelUsableLocked() {
		return conn.channel, nil
	}

	// The connection may still be healthy with only the channel gone.
	if conn.conn != nil && !conn.conn.IsClosed() {
		ch, err := conn.openChannel(conn.conn)
		if err == nil && ch != nil {
			conn.channel = ch
			conn.connected = true

			return ch, nil
		}

		conn.Logger.Log(ctx, log.LevelWarn, "failed to reopen rabbitmq channel, redialing", log.Err(err))
	}

	if err := conn.dialLocked(ctx); err != nil {
		return nil, err
	}

	return conn.channel, nil
}

func (conn *Connection) channelUsableLocked() bool {
	return conn.connected &&
		conn.conn != nil && !conn.conn.IsClosed() &&
		conn.channel != nil && !conn.channel.IsClosed()
}

// IsConnected reports whether the hub currently holds an open connection and
// channel.
func (conn *Connection) IsConnected() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.channelUsableLocked()
}

// HealthCheck verifies broker health. With a HealthCheckURL configured it
// queries the management API alarm endpoint; otherwise it falls back to
// checking the connection state.
func (conn *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	conn.initDefaults()
	healthURL := conn.HealthCheckURL
	user := conn.HealthUser
	pass := conn.HealthPass
	client := conn.healthClient
	logger := conn.Logger
	conn.mu.Unlock()

	if healthURL == "" {
		if !conn.IsConnected() {
			return fmt.Errorf("%w: %w", ErrHealthCheckFailed, ErrNotConnected)
		}

		return nil
	}

	endpoint, err := healthCheckEndpoint(healthURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	req.SetBasicAuth(user, pass)

	resp, err := client.Do(req)
	if err != nil {
		logger.Log(ctx, log.LevelError, "rabbitmq health check request failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrHealthCheckFailed, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	var result struct {
		Status string `json:"status"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	if result.Status != "ok" {
		return fmt.Errorf("%w: broker reported status %q", ErrHealthCheckFailed, result.Status)
	}

	return nil
}

// Close releases the channel and connection.
func (conn *Connection) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.initDefaults()
	conn.closeLocked(ctx)

	return nil
}

func (conn *Connection) closeLocked(ctx context.Context) {
	if conn.channel != nil {
		if err := conn.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}

		conn.channel = nil
	}

	if conn.conn != nil {
		if err := conn.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}

		conn.conn = nil
	}

	conn.connected = false
}

// healthCheckEndpoint validates the management API base URL and appends the
// alarm endpoint path if not already present. Credentials travel via basic
// auth headers, never in the URL.
func healthCheckEndpoint(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", errors.New("health check URL is empty")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("health check URL must use http or https")
	}

	if parsed.Host == "" {
		return "", errors.New("health check URL must include a host")
	}

	if parsed.User != nil {
		return "", errors.New("health check URL must not include user credentials")
	}

	normalized := strings.TrimSuffix(parsed.String(), "/")
	if strings.HasSuffix(normalized, healthCheckPath) {
		return normalized, nil
	}

	return normalized + healthCheckPath, nil
}

// BuildConnectionString assembles an AMQP URL with proper escaping. An empty
// vhost means the default vhost "/" (no path segment). Bare IPv6 hosts are
// bracketed.
func BuildConnectionString(scheme, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: scheme}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// Vhost names may themselves contain '/', which must appear
		// percent-encoded in the URL path.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}

// SanitizeConnectionString strips credentials from an AMQP URL for logging.
func SanitizeConnectionString(connStr string) string {
	parsed, err := url.Parse(connStr)
	if err != nil {
		return "amqp://<unparseable>"
	}

	return parsed.Redacted()
}

// sanitizedError wraps an error whose message has had credentials redacted.
// Unwrap returns the original so errors.Is still works.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

// sanitizeAMQPErr redacts the connection string, and its password in decoded
// form, from an error message before it reaches logs or spans.
func sanitizeAMQPErr(err error, connStr string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if connStr == "" {
		return msg
	}

	parsed, parseErr := url.Parse(connStr)
	if parseErr != nil {
		return msg
	}

	redacted := parsed.Redacted()
	msg = strings.ReplaceAll(msg, connStr, redacted)
	msg = strings.ReplaceAll(msg, parsed.String(), redacted)

	if parsed.User != nil {
		if pass, ok := parsed.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
