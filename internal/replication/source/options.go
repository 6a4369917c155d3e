package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultTimeout     = 30 * time.Second
	MaxOpenConnections = 4
	MaxIdleConnections = 1
)

var ErrDriverUnknown = errors.New("unknown upstream driver")

type Options struct {
	// Driver is one of godror (alias oracle), postgres, mysql or sqlite3.
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	// Database is the Oracle service name, the database name, or the file
	// path for sqlite3.
	Database string
	// DSN, when set, is passed to the driver as is.
	DSN string
	// Timeout bounds the connection check and every extraction query.
	Timeout time.Duration
}

// DriverName resolves aliases to the name the driver registered.
func (o Options) DriverName() string {
	switch d := strings.ToLower(strings.TrimSpace(o.Driver)); d {
	case "oracle", "godror":
		return "godror"
	case "postgresql", "postgres":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return d
	}
}

func (o Options) ConnString() (string, error) {
	if o.DSN != "" {
		return o.DSN, nil
	}
	switch o.DriverName() {
	case "godror":
		return fmt.Sprintf("%s/%s@%s:%d/%s", o.User, o.Password, o.Host, o.Port, o.Database), nil
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			o.Host, o.Port, o.User, o.Password, o.Database), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", o.User, o.Password, o.Host, o.Port, o.Database), nil
	case "sqlite3":
		return fmt.Sprintf("file:%s?mode=ro", o.Database), nil
	default:
		return "", errors.Wrap(ErrDriverUnknown, o.Driver)
	}
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}
