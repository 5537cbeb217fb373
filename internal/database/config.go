package database

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DatabaseConfig holds the configuration parameters for the store connection
type DatabaseConfig struct {
	Driver   string        `mapstructure:"driver" yaml:"driver" validate:"required,oneof=mysql sqlite"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Path     string        `mapstructure:"path" yaml:"path"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Validate checks that the parameters required by the selected driver are set
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	switch dc.Driver {
	case DriverMySQL:
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	case DriverSQLite:
		if dc.Path == "" {
			errs = append(errs, errors.New("path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported driver %q", dc.Driver))
	}

	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}
	return nil
}

// SetDefaults fills in the driver, port and timeout when unset
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Driver == "" {
		dc.Driver = DriverSQLite
	}
	if dc.Driver == DriverMySQL && dc.Port == 0 {
		dc.Port = 3306
	}
	if dc.Timeout == 0 {
		dc.Timeout = 30 * time.Second
	}
}

// DSN returns the data source name for the configured driver
func (dc *DatabaseConfig) DSN() string {
	if dc.Driver == DriverSQLite {
		return SQLiteDSN(dc.Path)
	}

	cfg := mysql.NewConfig()
	cfg.User = dc.Username
	cfg.Passwd = dc.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
	cfg.DBName = dc.Database
	cfg.Timeout = dc.Timeout
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	// RowsAffected counts matched rows, so an update that changes nothing
	// is not mistaken for a missing row
	cfg.ClientFoundRows = true
	return cfg.FormatDSN()
}

// SQLiteDSN builds a modernc.org/sqlite DSN with foreign keys enforced. An
// empty path or ":memory:" gives an in-memory database.
func SQLiteDSN(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == "" || path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}
