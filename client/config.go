package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultAddr is the conventional bind address for a DSU client.
	DefaultAddr = "127.0.0.1:3333"

	// DefaultServerAddr is the conventional DSU server endpoint.
	DefaultServerAddr = "127.0.0.1:26760"

	// DefaultTimeout bounds socket reads and writes; it is also the
	// shutdown granularity of the receive loop.
	DefaultTimeout = 200 * time.Millisecond

	// DefaultEventQueueSize bounds the event queue. Events produced while
	// the queue is full are dropped.
	DefaultEventQueueSize = 50
)

// Config configures a Client. The zero value is usable: a random ID and the
// default addresses, timeout and queue size.
type Config struct {
	// Logger receives drop diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// ID is the client's source identifier. 0 means pick a random one.
	ID uint32

	// Addr is the UDP address to bind. Defaults to DefaultAddr.
	Addr string

	// ServerAddr is the server to talk to. Datagrams from any other peer
	// are dropped. Defaults to DefaultServerAddr.
	ServerAddr string

	// Timeout is the socket read/write deadline. Defaults to DefaultTimeout.
	Timeout time.Duration

	// EventQueueSize bounds the event queue. Defaults to
	// DefaultEventQueueSize.
	EventQueueSize int
}

func (c *Config) validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ID == 0 {
		c.ID = uuid.New().ID()
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ServerAddr == "" {
		c.ServerAddr = DefaultServerAddr
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be positive")
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.EventQueueSize < 0 {
		return errors.New("event queue size must be positive")
	}
	return nil
}
