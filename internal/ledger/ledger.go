// Package ledger reads the durable record of which source files the load
// stage has already inserted. The external loader owns the table; this
// package only ever reads it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrLedgerUnavailable is returned when the ledger cannot be queried. Load
// planning must abort rather than assume nothing has been loaded.
var ErrLedgerUnavailable = errors.New("load ledger unavailable")

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DefaultTable  = "LoadInfo"
	DefaultColumn = "load_file"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config locates the ledger table.
type Config struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Table    string
	Column   string
	Timeout  time.Duration
}

// SQL is a ledger backed by a database/sql driver. Every call opens its own
// short-lived connection.
type SQL struct {
	driver  string
	dsn     string
	query   string
	timeout time.Duration
}

// New validates cfg and prepares the ledger query.
func New(cfg Config) (*SQL, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Column == "" {
		cfg.Column = DefaultColumn
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid ledger table name %q", cfg.Table)
	}
	if !identPattern.MatchString(cfg.Column) {
		return nil, fmt.Errorf("invalid ledger column name %q", cfg.Column)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	l := &SQL{driver: cfg.Driver, timeout: cfg.Timeout}
	switch cfg.Driver {
	case DriverMySQL:
		l.dsn = cfg.DSN
		if l.dsn == "" {
			l.dsn = mysqlDSN(cfg)
		}
		l.query = fmt.Sprintf("SELECT `%s` FROM `%s`", cfg.Column, cfg.Table)
	case DriverPostgres:
		l.dsn = cfg.DSN
		if l.dsn == "" {
			l.dsn = postgresDSN(cfg)
		}
		l.query = fmt.Sprintf("SELECT %s FROM %s", pq.QuoteIdentifier(cfg.Column), pq.QuoteIdentifier(cfg.Table))
	case DriverSQLite:
		l.dsn = cfg.DSN
		if l.dsn == "" {
			l.dsn = cfg.Database
		}
		if l.dsn == "" {
			return nil, fmt.Errorf("sqlite ledger requires a database path")
		}
		l.query = fmt.Sprintf(`SELECT "%s" FROM "%s"`, cfg.Column, cfg.Table)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
	return l, nil
}

func mysqlDSN(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	mc.Timeout = 10 * time.Second
	mc.AllowNativePasswords = true
	return mc.FormatDSN()
}

func postgresDSN(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable&connect_timeout=10",
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// Driver returns the database/sql driver name in use.
func (l *SQL) Driver() string { return l.driver }

func (l *SQL) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(l.driver, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrLedgerUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect: %w", ErrLedgerUnavailable, err)
	}
	return db, nil
}

// Ping checks that the ledger database is reachable.
func (l *SQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	db, err := l.open(ctx)
	if err != nil {
		return err
	}
	return db.Close()
}

// LoadedSourcePaths returns every source path recorded as loaded. Paths are
// returned exactly as stored (typically absolute paths on the loading host).
func (l *SQL) LoadedSourcePaths(ctx context.Context) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	db, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, l.query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrLedgerUnavailable, err)
		}
		if p.Valid && p.String != "" {
			out[p.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %w", ErrLedgerUnavailable, err)
	}
	return out, nil
}
