package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "taskpilot.db"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver    string
	DSN       string
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskpilot", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".taskpilot")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite is the default and keeps its file
// under the workspace unless a DSN is given.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, err
			}
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
		}
		conn, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, err
		}
		// single writer; sqlite serializes writes anyway
		conn.SetMaxOpenConns(1)
		return conn, nil
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		return sql.Open(DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// RetryConfig bounds the startup connection attempts.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// OpenWithRetry opens the database and pings it up to Attempts times, sleeping
// Delay between failures. The last error is returned when every attempt fails.
func OpenWithRetry(ctx context.Context, cfg Config, rc RetryConfig, open func(Config) (*sql.DB, error)) (*sql.DB, error) {
	if open == nil {
		open = Open
	}
	if rc.Attempts < 1 {
		rc.Attempts = 1
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for attempt := 1; attempt <= rc.Attempts; attempt++ {
		logger.Info("connecting to database", "driver", driverName(cfg.Driver), "attempt", attempt, "max_attempts", rc.Attempts)
		conn, err := open(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.PingContext(pingCtx)
			cancel()
			if err == nil {
				return conn, nil
			}
			conn.Close()
		}
		lastErr = err
		if attempt == rc.Attempts {
			break
		}
		logger.Warn("database connection failed, retrying", "error", err, "delay", rc.Delay.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rc.Delay):
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", rc.Attempts, lastErr)
}

func driverName(d string) string {
	if d == "" {
		return DriverSQLite
	}
	return d
}

// Rebind rewrites ? placeholders into $N for postgres. Question marks inside
// single-quoted literals are left alone.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
