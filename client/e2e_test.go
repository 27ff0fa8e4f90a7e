package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalo/padlink/client"
	"github.com/zalo/padlink/protocol"
	"github.com/zalo/padlink/server"
)

// End-to-end: a real server and a real client over loopback.
func TestEndToEnd(t *testing.T) {
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	c, err := client.New(client.Config{
		Addr:       "127.0.0.1:0",
		ServerAddr: srv.LocalAddr().String(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	clientDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()
	go func() { clientDone <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-serverDone)
		require.NoError(t, <-clientDone)
		srv.Close()
		c.Close()
	})

	info := protocol.ControllerInfo{
		Slot:           0,
		SlotState:      protocol.SlotConnected,
		DeviceType:     protocol.DeviceFullGyro,
		ConnectionType: protocol.ConnectionUSB,
		MACAddress:     0xAB0000000001,
		BatteryStatus:  protocol.BatteryFull,
	}
	srv.UpdateControllerInfo(info)

	require.NoError(t, c.RequestConnectedControllersInfo([]uint8{0, 1, 2, 3}))
	event := waitForEvent(t, c)
	require.Equal(t, client.ControllerInfoChanged{Info: info}, event)
	require.Equal(t, info, c.GetControllerInfo(0))

	require.NoError(t, c.RequestControllerData(protocol.ReportAll()))

	// Each update fans out fresh packet numbers, so re-publishing the same
	// state gets the change through even when the first update runs before
	// the subscription is registered, or slot 0 goes out under packet number
	// zero, which a fresh client never accepts.
	data := protocol.ControllerData{
		Connected:           true,
		LeftStickX:          0xC8,
		MotionDataTimestamp: 1234,
		GyroscopeYaw:        42,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no data change event before deadline")
		srv.UpdateControllerData(0, data)
		time.Sleep(20 * time.Millisecond)
		event, ok := c.NextEvent()
		if !ok {
			continue
		}
		if changed, ok := event.(client.ControllerDataChanged); ok && changed.Info.Slot == 0 {
			require.Equal(t, data, changed.Data)
			break
		}
	}
	require.Equal(t, data, c.GetControllerData(0))
}
