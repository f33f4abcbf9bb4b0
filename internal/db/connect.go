// Package db opens the database behind the local transport.
package db

import (
	"fmt"
	"net"
	"strconv"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Opts addresses a database. Path is used by sqlite; the remaining fields
// by mysql.
type Opts struct {
	Driver   string // "sqlite" (default) or "mysql"
	Path     string // sqlite file, or ":memory:"
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN builds a MySQL DSN with parseTime enabled.
func DSN(opts Opts) string {
	cfg := mysqldrv.NewConfig()
	cfg.User = opts.User
	cfg.Passwd = opts.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	cfg.DBName = opts.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Connect opens a GORM connection for opts.
func Connect(opts Opts) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("db: sqlite path is required")
		}
		dialector = sqlite.Open(opts.Path)
	case DriverMySQL:
		if opts.Host == "" || opts.Database == "" {
			return nil, fmt.Errorf("db: mysql host and database are required")
		}
		dialector = mysql.Open(DSN(opts))
	default:
		return nil, fmt.Errorf("db: unknown driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driverName(opts.Driver), err)
	}
	if driverName(opts.Driver) == DriverSQLite {
		// Each ":memory:" connection is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func driverName(d string) string {
	if d == "" {
		return DriverSQLite
	}
	return d
}
