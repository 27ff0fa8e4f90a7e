// Package server implements the publishing side of the DSU protocol: it
// holds the four controller slots, tracks which client addresses subscribed
// to which slots, and fans the latest state out to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zalo/padlink/internal/metrics"
	"github.com/zalo/padlink/protocol"
)

type slot struct {
	info protocol.ControllerInfo
	data protocol.ControllerData
}

// subscription records what one client address asked for. Subscriptions are
// additive: slots and MACs accumulate until the address is evicted.
type subscription struct {
	packetNumber uint32
	slotNumbers  map[uint8]struct{}
	macAddresses map[uint64]struct{}
}

// Server is a DSU server. Create one with New, feed it through
// UpdateControllerInfo/UpdateControllerData, and run its receive loop with
// Run. All methods are safe for concurrent use.
type Server struct {
	log     *slog.Logger
	clock   clockwork.Clock
	conn    *net.UDPConn
	header  protocol.MessageHeader
	timeout time.Duration

	slotsMu sync.Mutex
	slots   [protocol.SlotCount]slot

	// Lock ordering: slotsMu before clientsMu whenever both are held.
	clientsMu sync.Mutex
	clients   map[netip.AddrPort]*subscription

	lastMu      sync.Mutex
	lastRequest time.Time

	closeOnce sync.Once
}

// New creates a server bound to cfg.Addr.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", cfg.Addr, err)
	}

	s := &Server{
		log:   cfg.Logger,
		clock: cfg.Clock,
		conn:  conn,
		header: protocol.MessageHeader{
			Source:          protocol.SourceServer,
			ProtocolVersion: protocol.ProtocolVersion,
			SourceID:        cfg.ID,
		},
		timeout:     cfg.Timeout,
		clients:     make(map[netip.AddrPort]*subscription),
		lastRequest: cfg.Clock.Now(),
	}
	for i := range s.slots {
		s.slots[i].info.Slot = uint8(i)
	}
	return s, nil
}

// LocalAddr returns the address the server is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Run executes the receive loop until ctx is cancelled. Malformed datagrams
// are logged and dropped; the loop observes cancellation within one read
// timeout window.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("dsu server listening", "address", s.conn.LocalAddr())

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			if ctx.Err() != nil || isClosedNetErr(err) {
				return nil
			}
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, source, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || isClosedNetErr(err) {
				return nil
			}
			s.log.Warn("read error", "error", err)
			continue
		}
		metrics.ServerDatagramsReceived.Inc()

		msg, err := protocol.Decode(protocol.SourceClient, buf[:n], true)
		if err != nil {
			metrics.ServerDecodeErrs.Inc()
			s.log.Debug("dropping malformed datagram", "source", source, "error", err)
			continue
		}

		s.handleRequest(canonical(source), msg)
	}
}

// UpdateControllerInfo stores info into its slot and immediately pushes the
// new info to every subscribed client. info.Slot must be below
// protocol.SlotCount.
func (s *Server) UpdateControllerInfo(info protocol.ControllerInfo) {
	if info.Slot >= protocol.SlotCount {
		panic(fmt.Sprintf("padlink: controller info slot %d out of range", info.Slot))
	}

	s.slotsMu.Lock()
	s.slots[info.Slot].info = info
	s.slotsMu.Unlock()

	s.clientsMu.Lock()
	targets := make([]netip.AddrPort, 0, len(s.clients))
	for addr := range s.clients {
		targets = append(targets, addr)
	}
	s.clientsMu.Unlock()

	for _, addr := range targets {
		// Best effort: info pushes never evict.
		if err := s.sendControllerInfo(addr, info); err != nil {
			s.log.Debug("controller info push failed", "target", addr, "error", err)
		}
	}
}

// UpdateControllerData stores data into the slot and triggers a fan-out to
// every subscriber. slotNumber must be below protocol.SlotCount.
func (s *Server) UpdateControllerData(slotNumber uint8, data protocol.ControllerData) {
	if slotNumber >= protocol.SlotCount {
		panic(fmt.Sprintf("padlink: controller data slot %d out of range", slotNumber))
	}

	s.slotsMu.Lock()
	s.slots[slotNumber].data = data
	s.slotsMu.Unlock()

	s.fanOut()
}

// LastRequestDuration returns the time elapsed since the most recent
// well-formed controller data request arrived.
func (s *Server) LastRequestDuration() time.Duration {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.clock.Since(s.lastRequest)
}

func (s *Server) handleRequest(source netip.AddrPort, msg protocol.Message) {
	if msg.Type == protocol.TypeProtocolVersion {
		if err := s.sendProtocolVersion(source); err != nil {
			s.log.Debug("version reply failed", "target", source, "error", err)
		}
		return
	}

	switch payload := msg.Payload.(type) {
	case protocol.ConnectedControllersRequest:
		for i := int32(0); i < payload.Amount; i++ {
			slotNumber := payload.SlotNumbers[i]
			s.slotsMu.Lock()
			info := s.slots[slotNumber].info
			s.slotsMu.Unlock()
			if err := s.sendControllerInfo(source, info); err != nil {
				s.log.Debug("controller info reply failed", "target", source, "error", err)
				return
			}
		}
	case protocol.ControllerDataRequest:
		s.lastMu.Lock()
		s.lastRequest = s.clock.Now()
		s.lastMu.Unlock()

		s.clientsMu.Lock()
		sub, ok := s.clients[source]
		if !ok {
			sub = &subscription{
				slotNumbers:  make(map[uint8]struct{}),
				macAddresses: make(map[uint64]struct{}),
			}
			s.clients[source] = sub
			metrics.ServerSubscribers.Set(float64(len(s.clients)))
		}
		switch payload.Kind {
		case protocol.RequestReportAll:
			for i := uint8(0); i < protocol.SlotCount; i++ {
				sub.slotNumbers[i] = struct{}{}
			}
		case protocol.RequestSlotNumber:
			sub.slotNumbers[payload.Slot] = struct{}{}
		case protocol.RequestMAC:
			sub.macAddresses[payload.MAC] = struct{}{}
		}
		s.clientsMu.Unlock()

		s.fanOut()
	}
}

// fanOut sends each subscriber the data for every slot it asked for, by slot
// number first and then by MAC, skipping MAC matches already sent. A
// subscriber whose send fails is evicted; the rest of the pass continues.
func (s *Server) fanOut() {
	s.slotsMu.Lock()
	slots := s.slots
	s.slotsMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for addr, sub := range s.clients {
		if !s.sendSubscribed(addr, sub, &slots) {
			delete(s.clients, addr)
			metrics.ServerEvictions.Inc()
			s.log.Info("evicting unreachable subscriber", "target", addr)
		}
	}
	metrics.ServerSubscribers.Set(float64(len(s.clients)))
}

func (s *Server) sendSubscribed(addr netip.AddrPort, sub *subscription, slots *[protocol.SlotCount]slot) bool {
	alreadySent := make(map[uint8]struct{}, protocol.SlotCount)

	for slotNumber := range sub.slotNumbers {
		if err := s.sendSlotData(addr, slots[slotNumber], &sub.packetNumber); err != nil {
			return false
		}
		alreadySent[slotNumber] = struct{}{}
	}

	for mac := range sub.macAddresses {
		for slotNumber := range slots {
			if slots[slotNumber].info.MACAddress != mac {
				continue
			}
			if _, done := alreadySent[uint8(slotNumber)]; done {
				break
			}
			if err := s.sendSlotData(addr, slots[slotNumber], &sub.packetNumber); err != nil {
				return false
			}
			alreadySent[uint8(slotNumber)] = struct{}{}
			break
		}
	}
	return true
}

func (s *Server) sendSlotData(target netip.AddrPort, sl slot, packetNumber *uint32) error {
	msg := protocol.Message{
		Header: s.header,
		Type:   protocol.TypeControllerData,
		Payload: protocol.ControllerDataPayload{
			PacketNumber: *packetNumber,
			Info:         sl.info,
			Data:         sl.data,
		},
	}
	if err := s.send(target, msg, "data"); err != nil {
		return err
	}
	*packetNumber++
	return nil
}

func (s *Server) sendProtocolVersion(target netip.AddrPort) error {
	// The reply is typed ConnectedControllers, not ProtocolVersion. Real
	// Cemuhook clients expect this, so it stays.
	msg := protocol.Message{
		Header:  s.header,
		Type:    protocol.TypeConnectedControllers,
		Payload: protocol.VersionPayload{Version: protocol.ProtocolVersion},
	}
	return s.send(target, msg, "version")
}

func (s *Server) sendControllerInfo(target netip.AddrPort, info protocol.ControllerInfo) error {
	msg := protocol.Message{
		Header:  s.header,
		Type:    protocol.TypeConnectedControllers,
		Payload: protocol.ConnectedControllerResponse{Info: info},
	}
	return s.send(target, msg, "info")
}

func (s *Server) send(target netip.AddrPort, msg protocol.Message, kind string) error {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		metrics.ServerSendErrs.Inc()
		return err
	}
	if _, err := s.conn.WriteToUDPAddrPort(encoded, target); err != nil {
		metrics.ServerSendErrs.Inc()
		return err
	}
	metrics.ServerDatagramsSent.WithLabelValues(kind).Inc()
	return nil
}

func canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func isClosedNetErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
