package executor

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"aaronromeo.com/tabellarium/pkg/base"
	"github.com/pkg/errors"
)

// InfiniteTimeout disables the connection timeout.
const InfiniteTimeout = -1

// Config is the settings an operation runs with. Each operation works on its
// own copy taken when it starts.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	Secure   bool

	TLSConfig *tls.Config

	// ConnectionTimeout is in milliseconds. InfiniteTimeout or 0 leaves the
	// dial unbounded.
	ConnectionTimeout int

	// BatchSize caps the messages visited per operation, 0 means no cap.
	BatchSize int

	RetrieveSeen          bool
	DeleteAfterProcessing bool
}

// Address is host:port, falling back to the protocol's default port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = base.DEFAULT_PLAIN_PORT
		if c.Secure {
			port = base.DEFAULT_SECURE_PORT
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) DialTimeout() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return 0
	}
	return time.Duration(c.ConnectionTimeout) * time.Millisecond
}

// String never includes the password.
func (c Config) String() string {
	return fmt.Sprintf(
		"%s@%s/%s secure=%t timeout=%dms batch=%d retrieveSeen=%t deleteAfter=%t",
		c.Username, c.Address(), c.Folder, c.Secure, c.ConnectionTimeout,
		c.BatchSize, c.RetrieveSeen, c.DeleteAfterProcessing,
	)
}

func validateBatchSize(n int) error {
	if n < 0 {
		return newTaskError(ErrConfiguration, "configure", errors.Errorf("batch size must not be negative, got %d", n))
	}
	return nil
}

func validateConnectionTimeout(ms int) error {
	if ms < InfiniteTimeout {
		return newTaskError(ErrConfiguration, "configure", errors.Errorf("connection timeout must be >= %d, got %d", InfiniteTimeout, ms))
	}
	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return newTaskError(ErrConfiguration, "configure", errors.Errorf("port out of range: %d", port))
	}
	return nil
}
