package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

type DB struct {
	DB     *sql.DB
	Driver string
}

func Open(opt Options) (*DB, error) {
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}

	dsn := opt.DSN
	switch opt.Driver {
	case DriverMySQL:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		// single writer; WAL readers share the one connection fine at this volume
		opt.MaxOpenConns = 1
		opt.MaxIdleConns = 1
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", opt.Driver)
	}

	d, err := sql.Open(opt.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if opt.MaxOpenConns > 0 {
		d.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		d.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLife > 0 {
		d.SetConnMaxLifetime(opt.ConnMaxLife)
	}
	if opt.ConnMaxIdle > 0 {
		d.SetConnMaxIdleTime(opt.ConnMaxIdle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping %s: %w", opt.Driver, err)
	}
	return &DB{DB: d, Driver: opt.Driver}, nil
}

func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}
