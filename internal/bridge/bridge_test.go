package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zalo/padlink/internal/bridge"
	"github.com/zalo/padlink/protocol"
	"github.com/zalo/padlink/server"
)

func TestBridgePushesControllerEvents(t *testing.T) {
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	b, err := bridge.New(bridge.Config{
		ListenAddr: "127.0.0.1:0",
		ClientBind: "127.0.0.1:0",
		ServerAddr: srv.LocalAddr().String(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	bridgeDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()
	go func() { bridgeDone <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-serverDone)
		require.NoError(t, <-bridgeDone)
		srv.Close()
	})

	// Wait for the HTTP listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for b.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, b.Addr(), "bridge listener did not come up")

	url := fmt.Sprintf("ws://%s/ws", b.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Keep publishing state changes until one reaches the subscriber; the
	// bridge renews its DSU subscription on its own.
	updates := make(chan struct{})
	go func() {
		defer close(updates)
		for i := 1; i <= 100; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			srv.UpdateControllerData(0, protocol.ControllerData{
				Connected:   true,
				AnalogCross: uint8(i),
			})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type string `json:"type"`
		Slot uint8  `json:"slot"`
		Data *struct {
			Connected   bool  `json:"connected"`
			AnalogCross uint8 `json:"analog_cross"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	require.Equal(t, "controller_data", envelope.Type)
	require.Equal(t, uint8(0), envelope.Slot)
	require.NotNil(t, envelope.Data)
	require.True(t, envelope.Data.Connected)

	cancel()
	<-updates
}
