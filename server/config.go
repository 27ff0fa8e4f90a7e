package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultAddr is the conventional DSU server endpoint.
const DefaultAddr = "127.0.0.1:26760"

// DefaultTimeout bounds socket reads and writes; it is also the shutdown
// granularity of the receive loop.
const DefaultTimeout = 200 * time.Millisecond

// Config configures a Server. The zero value is usable: a random ID, the
// default bind address and timeout, the real clock and the default logger.
type Config struct {
	// Logger receives drop/eviction diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives last-request tracking. Defaults to the real clock.
	Clock clockwork.Clock

	// ID is the server's source identifier. 0 means pick a random one.
	ID uint32

	// Addr is the UDP address to bind. Defaults to DefaultAddr.
	Addr string

	// Timeout is the socket read/write deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
}

func (c *Config) validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ID == 0 {
		c.ID = uuid.New().ID()
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}
