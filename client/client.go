// Package client implements the consuming side of the DSU protocol: it
// subscribes to a server, caches the latest state per slot and turns changes
// into events.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/zalo/padlink/internal/metrics"
	"github.com/zalo/padlink/protocol"
)

type slot struct {
	info               protocol.ControllerInfo
	data               protocol.ControllerData
	latestPacketNumber uint32
}

// Event is a change notification produced by the receive loop. The concrete
// types are ControllerInfoChanged and ControllerDataChanged.
type Event interface {
	isEvent()
}

// ControllerInfoChanged reports that a slot's controller info differs from
// the previously cached value.
type ControllerInfoChanged struct {
	Info protocol.ControllerInfo
}

// ControllerDataChanged reports fresh controller data for a slot.
type ControllerDataChanged struct {
	Info protocol.ControllerInfo
	Data protocol.ControllerData
}

func (ControllerInfoChanged) isEvent() {}
func (ControllerDataChanged) isEvent() {}

// Client is a DSU client. Create one with New, run its receive loop with
// Run, and keep the subscription alive by calling RequestControllerData at
// least about once per second. All methods are safe for concurrent use.
type Client struct {
	log        *slog.Logger
	conn       *net.UDPConn
	serverAddr netip.AddrPort
	header     protocol.MessageHeader
	timeout    time.Duration

	slotsMu sync.Mutex
	slots   [protocol.SlotCount]slot

	// Producer is the receive loop; consumers pop through NextEvent.
	// Sends never block: overflow drops the new event.
	events chan Event

	closeOnce sync.Once
}

// New creates a client bound to cfg.Addr that talks to cfg.ServerAddr.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Addr, err)
	}
	serverAddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.ServerAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", cfg.Addr, err)
	}

	c := &Client{
		log:        cfg.Logger,
		conn:       conn,
		serverAddr: canonical(serverAddr.AddrPort()),
		header: protocol.MessageHeader{
			Source:          protocol.SourceClient,
			ProtocolVersion: protocol.ProtocolVersion,
			SourceID:        cfg.ID,
		},
		timeout: cfg.Timeout,
		events:  make(chan Event, cfg.EventQueueSize),
	}
	for i := range c.slots {
		c.slots[i].info.Slot = uint8(i)
	}
	return c, nil
}

// LocalAddr returns the address the client is bound to.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close releases the socket. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Run executes the receive loop until ctx is cancelled. Datagrams from any
// peer other than the configured server are dropped, as are malformed ones.
// The loop observes cancellation within one read timeout window.
func (c *Client) Run(ctx context.Context) error {
	c.log.Info("dsu client listening", "address", c.conn.LocalAddr(), "server", c.serverAddr)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			if ctx.Err() != nil || isClosedNetErr(err) {
				return nil
			}
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, source, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || isClosedNetErr(err) {
				return nil
			}
			c.log.Warn("read error", "error", err)
			continue
		}
		metrics.ClientDatagramsReceived.Inc()

		if canonical(source) != c.serverAddr {
			c.log.Debug("dropping datagram from unexpected peer", "source", source)
			continue
		}

		msg, err := protocol.Decode(protocol.SourceServer, buf[:n], true)
		if err != nil {
			metrics.ClientDecodeErrs.Inc()
			c.log.Debug("dropping malformed datagram", "error", err)
			continue
		}

		if event := c.handleResponse(msg); event != nil {
			select {
			case c.events <- event:
			default:
				metrics.ClientEventsDropped.Inc()
				c.log.Debug("event queue full, dropping event")
			}
		}
	}
}

// RequestConnectedControllersInfo asks the server to report controller info
// for the given slot numbers. At most protocol.SlotCount slots may be
// requested; unused entries of the request's slot array are zero, and only
// the requested slot numbers are written to the wire.
func (c *Client) RequestConnectedControllersInfo(slotNumbers []uint8) error {
	if len(slotNumbers) > protocol.SlotCount {
		return fmt.Errorf("at most %d slot numbers may be requested", protocol.SlotCount)
	}

	var slots [protocol.SlotCount]uint8
	copy(slots[:], slotNumbers)

	msg := protocol.Message{
		Header: c.header,
		Type:   protocol.TypeConnectedControllers,
		Payload: protocol.ConnectedControllersRequest{
			Amount:      int32(len(slotNumbers)),
			SlotNumbers: slots,
		},
	}
	return c.send(msg)
}

// RequestControllerData subscribes to controller data. DSU servers may drop
// subscriptions that are not renewed, so call this periodically (about once
// per second). This module's server keeps a subscription until a send to it
// fails.
func (c *Client) RequestControllerData(req protocol.ControllerDataRequest) error {
	msg := protocol.Message{
		Header:  c.header,
		Type:    protocol.TypeControllerData,
		Payload: req,
	}
	return c.send(msg)
}

// GetControllerInfo returns the cached controller info for a slot.
// slotNumber must be below protocol.SlotCount.
func (c *Client) GetControllerInfo(slotNumber uint8) protocol.ControllerInfo {
	if slotNumber >= protocol.SlotCount {
		panic(fmt.Sprintf("padlink: slot %d out of range", slotNumber))
	}
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	return c.slots[slotNumber].info
}

// GetControllerData returns the cached controller data for a slot.
// slotNumber must be below protocol.SlotCount.
func (c *Client) GetControllerData(slotNumber uint8) protocol.ControllerData {
	if slotNumber >= protocol.SlotCount {
		panic(fmt.Sprintf("padlink: slot %d out of range", slotNumber))
	}
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	return c.slots[slotNumber].data
}

// NextEvent pops one event from the queue. ok is false when the queue is
// empty.
func (c *Client) NextEvent() (event Event, ok bool) {
	select {
	case event = <-c.events:
		return event, true
	default:
		return nil, false
	}
}

func (c *Client) handleResponse(msg protocol.Message) Event {
	if msg.Type == protocol.TypeProtocolVersion {
		return nil
	}

	switch payload := msg.Payload.(type) {
	case protocol.ConnectedControllerResponse:
		slotNumber := payload.Info.Slot

		c.slotsMu.Lock()
		defer c.slotsMu.Unlock()
		if c.slots[slotNumber].info == payload.Info {
			return nil
		}
		c.slots[slotNumber].info = payload.Info
		return ControllerInfoChanged{Info: payload.Info}

	case protocol.ControllerDataPayload:
		slotNumber := payload.Info.Slot

		c.slotsMu.Lock()
		defer c.slotsMu.Unlock()
		cached := c.slots[slotNumber]
		if payload.PacketNumber <= cached.latestPacketNumber {
			metrics.ClientStalePackets.Inc()
			return nil
		}
		c.slots[slotNumber].latestPacketNumber = payload.PacketNumber

		if cached.info == payload.Info && cached.data == payload.Data {
			return nil
		}
		c.slots[slotNumber].info = payload.Info
		c.slots[slotNumber].data = payload.Data
		return ControllerDataChanged{Info: payload.Info, Data: payload.Data}
	}
	return nil
}

func (c *Client) send(msg protocol.Message) error {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDPAddrPort(encoded, c.serverAddr); err != nil {
		return err
	}
	return nil
}

func canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func isClosedNetErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
