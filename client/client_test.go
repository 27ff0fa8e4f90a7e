package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalo/padlink/client"
	"github.com/zalo/padlink/protocol"
)

// fakeServer is a raw UDP socket standing in for a DSU server.
type fakeServer struct {
	t          *testing.T
	conn       *net.UDPConn
	clientAddr *net.UDPAddr
	header     protocol.MessageHeader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fakeServer{
		t:    t,
		conn: conn,
		header: protocol.MessageHeader{
			Source:          protocol.SourceServer,
			ProtocolVersion: protocol.ProtocolVersion,
			SourceID:        0x12345678,
		},
	}
}

func (s *fakeServer) addr() string {
	return s.conn.LocalAddr().String()
}

func (s *fakeServer) send(msgType protocol.MessageType, payload protocol.MessagePayload) {
	s.t.Helper()
	encoded, err := protocol.Encode(protocol.Message{
		Header:  s.header,
		Type:    msgType,
		Payload: payload,
	})
	require.NoError(s.t, err)
	_, err = s.conn.WriteToUDP(encoded, s.clientAddr)
	require.NoError(s.t, err)
}

func (s *fakeServer) sendData(pn uint32, info protocol.ControllerInfo, data protocol.ControllerData) {
	s.send(protocol.TypeControllerData, protocol.ControllerDataPayload{
		PacketNumber: pn,
		Info:         info,
		Data:         data,
	})
}

func (s *fakeServer) recv() protocol.Message {
	s.t.Helper()
	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := s.conn.ReadFromUDP(buf)
	require.NoError(s.t, err)

	msg, err := protocol.Decode(protocol.SourceClient, buf[:n], true)
	require.NoError(s.t, err)
	return msg
}

func startClient(t *testing.T, srv *fakeServer) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Addr:       "127.0.0.1:0",
		ServerAddr: srv.addr(),
	})
	require.NoError(t, err)
	srv.clientAddr = c.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("client did not stop after context cancellation")
		}
		c.Close()
	})
	return c
}

// waitForEvent polls the queue until an event arrives or the deadline hits.
func waitForEvent(t *testing.T, c *client.Client) client.Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if event, ok := c.NextEvent(); ok {
			return event
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no event before deadline")
	return nil
}

func expectNoEvent(t *testing.T, c *client.Client, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if event, ok := c.NextEvent(); ok {
			t.Fatalf("unexpected event %#v", event)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectedInfo(slot uint8) protocol.ControllerInfo {
	return protocol.ControllerInfo{
		Slot:           slot,
		SlotState:      protocol.SlotConnected,
		DeviceType:     protocol.DevicePartialGyro,
		ConnectionType: protocol.ConnectionBluetooth,
		MACAddress:     0xBB0000000000 + uint64(slot),
		BatteryStatus:  protocol.BatteryMedium,
	}
}

func TestRequestEmission(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	require.NoError(t, c.RequestConnectedControllersInfo([]uint8{0, 2}))
	msg := srv.recv()
	require.Equal(t, protocol.TypeConnectedControllers, msg.Type)
	require.Equal(t, protocol.ConnectedControllersRequest{
		Amount:      2,
		SlotNumbers: [4]uint8{0, 2, 0, 0},
	}, msg.Payload)

	require.NoError(t, c.RequestControllerData(protocol.ByMAC(0xBB0000000001)))
	msg = srv.recv()
	require.Equal(t, protocol.TypeControllerData, msg.Type)
	require.Equal(t, protocol.ByMAC(0xBB0000000001), msg.Payload)

	require.Error(t, c.RequestConnectedControllersInfo([]uint8{0, 1, 2, 3, 0}))
}

func TestControllerInfoChangeDetection(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	info := connectedInfo(1)
	srv.send(protocol.TypeConnectedControllers, protocol.ConnectedControllerResponse{Info: info})

	event := waitForEvent(t, c)
	require.Equal(t, client.ControllerInfoChanged{Info: info}, event)
	require.Equal(t, info, c.GetControllerInfo(1))

	// Identical info must not produce another event.
	srv.send(protocol.TypeConnectedControllers, protocol.ConnectedControllerResponse{Info: info})
	expectNoEvent(t, c, 200*time.Millisecond)

	changed := info
	changed.BatteryStatus = protocol.BatteryDying
	srv.send(protocol.TypeConnectedControllers, protocol.ConnectedControllerResponse{Info: changed})
	event = waitForEvent(t, c)
	require.Equal(t, client.ControllerInfoChanged{Info: changed}, event)
}

func TestStalePacketRejection(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	info := connectedInfo(0)
	fresh := protocol.ControllerData{Connected: true, AnalogCross: 10}

	srv.sendData(10, info, fresh)
	event := waitForEvent(t, c)
	require.Equal(t, client.ControllerDataChanged{Info: info, Data: fresh}, event)
	require.Equal(t, fresh, c.GetControllerData(0))

	// Lower and equal packet numbers change nothing.
	stale := protocol.ControllerData{Connected: true, AnalogCross: 99}
	srv.sendData(9, info, stale)
	srv.sendData(10, info, stale)
	expectNoEvent(t, c, 200*time.Millisecond)
	require.Equal(t, fresh, c.GetControllerData(0))

	// The next number is accepted again.
	srv.sendData(11, info, stale)
	event = waitForEvent(t, c)
	require.Equal(t, client.ControllerDataChanged{Info: info, Data: stale}, event)
}

func TestUnchangedDataAdvancesPacketNumberSilently(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	info := connectedInfo(2)
	data := protocol.ControllerData{Connected: true, LeftStickX: 0x7F}

	srv.sendData(1, info, data)
	waitForEvent(t, c)

	// Same state under a higher number: no event, but the number advances.
	srv.sendData(5, info, data)
	expectNoEvent(t, c, 200*time.Millisecond)

	// Proof the number advanced: 5 is now stale even with fresh state.
	changed := data
	changed.LeftStickX = 0
	srv.sendData(5, info, changed)
	expectNoEvent(t, c, 200*time.Millisecond)
	require.Equal(t, data, c.GetControllerData(2))
}

func TestForeignPeerDropped(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	intruder := newFakeServer(t)
	intruder.clientAddr = srv.clientAddr

	intruder.sendData(1, connectedInfo(0), protocol.ControllerData{Connected: true})
	expectNoEvent(t, c, 300*time.Millisecond)
	require.Equal(t, protocol.ControllerData{}, c.GetControllerData(0))
}

func TestEventQueueOverflowDropsNewest(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv)

	info := connectedInfo(3)
	const total = 60 // queue capacity is 50

	for i := 1; i <= total; i++ {
		srv.sendData(uint32(i), info, protocol.ControllerData{Connected: true, AnalogCross: uint8(i)})
	}

	// The cache keeps up even when the queue overflows.
	deadline := time.Now().Add(2 * time.Second)
	for c.GetControllerData(3).AnalogCross != total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, uint8(total), c.GetControllerData(3).AnalogCross)

	drained := 0
	first := true
	for {
		event, ok := c.NextEvent()
		if !ok {
			break
		}
		if first {
			// Overflow drops the newest events, so the head of the
			// queue is the oldest one.
			require.Equal(t, uint8(1), event.(client.ControllerDataChanged).Data.AnalogCross)
			first = false
		}
		drained++
	}
	require.Equal(t, client.DefaultEventQueueSize, drained)
}
