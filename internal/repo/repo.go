package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"taskpilot/internal/db"
	"taskpilot/internal/lock"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrUnavailable       = errors.New("persistence unavailable")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownField      = errors.New("unknown field")
	ErrInvalid           = errors.New("invalid input")
)

// Repo is the persistence gateway. A Repo without a DB answers every call
// with ErrUnavailable.
type Repo struct {
	DB     *sql.DB
	Driver string
	Now    func() time.Time
	Locker lock.Locker
}

// New builds a Repo for the given connection with an in-process task lock.
func New(conn *sql.DB, driver string) Repo {
	return Repo{
		DB:     conn,
		Driver: driver,
		Now:    time.Now,
		Locker: lock.NewLocal(),
	}
}

// Available reports whether a database is attached.
func (r Repo) Available() bool {
	return r.DB != nil
}

// Ping checks connectivity.
func (r Repo) Ping(ctx context.Context) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.wrap(r.DB.PingContext(ctx))
}

func (r Repo) ready() error {
	if r.DB == nil {
		return ErrUnavailable
	}
	return nil
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

// wrap tags connectivity failures with ErrUnavailable.
func (r Repo) wrap(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isConnError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// ListOptions pages a reverse chronological listing.
type ListOptions struct {
	Limit  int
	Offset int
}

func (r Repo) page(query string, args []any, opts ListOptions) (string, []any) {
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 && r.Driver != db.DriverPostgres {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
