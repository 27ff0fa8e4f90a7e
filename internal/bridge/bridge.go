// Package bridge republishes DSU controller events to websocket
// subscribers, so browsers can watch controller state without speaking UDP.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zalo/padlink/client"
	"github.com/zalo/padlink/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscriberQueueSize bounds each subscriber's send queue. A subscriber
// whose queue overflows is dropped, so the event pump never blocks.
const subscriberQueueSize = 64

// renewInterval is how often the DSU subscription is refreshed.
const renewInterval = time.Second

// Config configures a Bridge.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ListenAddr is the HTTP address serving /ws. Defaults to ":8080".
	ListenAddr string

	// ClientBind is the UDP bind address of the embedded DSU client.
	// Defaults to the client package default.
	ClientBind string

	// ServerAddr is the DSU server to subscribe to. Defaults to the client
	// package default.
	ServerAddr string
}

// Bridge runs an embedded DSU client and an HTTP server; every controller
// event is marshalled to JSON and pushed to all websocket subscribers.
type Bridge struct {
	log    *slog.Logger
	cfg    Config
	client *client.Client

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}

	addrMu sync.Mutex
	addr   net.Addr
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// eventEnvelope is the JSON shape pushed to subscribers.
type eventEnvelope struct {
	Type string              `json:"type"`
	Slot uint8               `json:"slot"`
	Info controllerInfoJSON  `json:"info"`
	Data *controllerDataJSON `json:"data,omitempty"`
}

type controllerInfoJSON struct {
	Slot           uint8  `json:"slot"`
	SlotState      uint8  `json:"slot_state"`
	DeviceType     uint8  `json:"device_type"`
	ConnectionType uint8  `json:"connection_type"`
	MACAddress     uint64 `json:"mac_address"`
	BatteryStatus  uint8  `json:"battery_status"`
}

type controllerDataJSON struct {
	Connected bool `json:"connected"`

	ButtonsA uint8 `json:"buttons_a"`
	ButtonsB uint8 `json:"buttons_b"`
	PS       uint8 `json:"ps"`
	Touch    uint8 `json:"touch"`

	LeftStickX  uint8 `json:"left_stick_x"`
	LeftStickY  uint8 `json:"left_stick_y"`
	RightStickX uint8 `json:"right_stick_x"`
	RightStickY uint8 `json:"right_stick_y"`

	AnalogDPadLeft  uint8 `json:"analog_dpad_left"`
	AnalogDPadDown  uint8 `json:"analog_dpad_down"`
	AnalogDPadRight uint8 `json:"analog_dpad_right"`
	AnalogDPadUp    uint8 `json:"analog_dpad_up"`
	AnalogSquare    uint8 `json:"analog_square"`
	AnalogCross     uint8 `json:"analog_cross"`
	AnalogCircle    uint8 `json:"analog_circle"`
	AnalogTriangle  uint8 `json:"analog_triangle"`
	AnalogR1        uint8 `json:"analog_r1"`
	AnalogL1        uint8 `json:"analog_l1"`
	AnalogR2        uint8 `json:"analog_r2"`
	AnalogL2        uint8 `json:"analog_l2"`

	FirstTouch  touchJSON `json:"first_touch"`
	SecondTouch touchJSON `json:"second_touch"`

	MotionDataTimestamp uint64 `json:"motion_data_timestamp"`

	AccelerometerX float32 `json:"accelerometer_x"`
	AccelerometerY float32 `json:"accelerometer_y"`
	AccelerometerZ float32 `json:"accelerometer_z"`

	GyroscopePitch float32 `json:"gyroscope_pitch"`
	GyroscopeYaw   float32 `json:"gyroscope_yaw"`
	GyroscopeRoll  float32 `json:"gyroscope_roll"`
}

type touchJSON struct {
	Active    bool   `json:"active"`
	ID        uint8  `json:"id"`
	PositionX uint16 `json:"position_x"`
	PositionY uint16 `json:"position_y"`
}

// New creates a bridge. The embedded DSU client binds immediately; the HTTP
// listener is opened by Run.
func New(cfg Config) (*Bridge, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	dsuClient, err := client.New(client.Config{
		Logger:     cfg.Logger,
		Addr:       cfg.ClientBind,
		ServerAddr: cfg.ServerAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("create dsu client: %w", err)
	}

	return &Bridge{
		log:    cfg.Logger,
		cfg:    cfg,
		client: dsuClient,
		subs:   make(map[*subscriber]struct{}),
	}, nil
}

// Addr returns the HTTP listener address once Run has opened it, or nil.
func (b *Bridge) Addr() net.Addr {
	b.addrMu.Lock()
	defer b.addrMu.Unlock()
	return b.addr
}

// Run starts the embedded client, the subscription renewal loop, the event
// pump and the HTTP server, and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", b.cfg.ListenAddr, err)
	}
	b.addrMu.Lock()
	b.addr = listener.Addr()
	b.addrMu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)
	httpServer := &http.Server{Handler: mux}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := b.client.Run(ctx); err != nil {
			b.log.Error("dsu client stopped", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		b.renewLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		b.eventPump(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = b.client.Close()
	}()

	b.log.Info("bridge listening", "address", listener.Addr(), "server", b.cfg.ServerAddr)
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	cancel()
	wg.Wait()
	b.closeAll()
	return err
}

func (b *Bridge) renewLoop(ctx context.Context) {
	if err := b.client.RequestConnectedControllersInfo([]uint8{0, 1, 2, 3}); err != nil {
		b.log.Warn("controller info request failed", "error", err)
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		if err := b.client.RequestControllerData(protocol.ReportAll()); err != nil {
			b.log.Warn("subscription renewal failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) eventPump(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			event, ok := b.client.NextEvent()
			if !ok {
				break
			}
			b.broadcast(event)
		}
	}
}

func (b *Bridge) broadcast(event client.Event) {
	var envelope eventEnvelope
	switch e := event.(type) {
	case client.ControllerInfoChanged:
		envelope = eventEnvelope{
			Type: "controller_info",
			Slot: e.Info.Slot,
			Info: infoJSON(e.Info),
		}
	case client.ControllerDataChanged:
		data := dataJSON(e.Data)
		envelope = eventEnvelope{
			Type: "controller_data",
			Slot: e.Info.Slot,
			Info: infoJSON(e.Info),
			Data: &data,
		}
	default:
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for sub := range b.subs {
		select {
		case sub.send <- payload:
		default:
			// Slow subscriber: drop it rather than block the pump.
			delete(b.subs, sub)
			close(sub.send)
		}
	}
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, subscriberQueueSize),
	}

	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()
	b.log.Debug("subscriber connected", "remote", conn.RemoteAddr())

	go sub.writePump()
	sub.readPump(b)
}

func (b *Bridge) dropSubscriber(sub *subscriber) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.send)
	}
}

func (b *Bridge) closeAll() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.send)
	}
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for message := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readPump discards inbound messages; its job is noticing disconnects.
func (s *subscriber) readPump(b *Bridge) {
	defer b.dropSubscriber(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func touchView(touch protocol.TouchData) touchJSON {
	return touchJSON{
		Active:    touch.Active,
		ID:        touch.ID,
		PositionX: touch.PositionX,
		PositionY: touch.PositionY,
	}
}

func infoJSON(info protocol.ControllerInfo) controllerInfoJSON {
	return controllerInfoJSON{
		Slot:           info.Slot,
		SlotState:      uint8(info.SlotState),
		DeviceType:     uint8(info.DeviceType),
		ConnectionType: uint8(info.ConnectionType),
		MACAddress:     info.MACAddress,
		BatteryStatus:  uint8(info.BatteryStatus),
	}
}

func dataJSON(data protocol.ControllerData) controllerDataJSON {
	var buttonsA, buttonsB uint8
	for i, set := range []bool{
		data.DPadLeft, data.DPadDown, data.DPadRight, data.DPadUp,
		data.Start, data.RightStickButton, data.LeftStickButton, data.Select,
	} {
		if set {
			buttonsA |= 1 << (7 - i)
		}
	}
	for i, set := range []bool{
		data.Square, data.Cross, data.Circle, data.Triangle,
		data.R1, data.L1, data.R2, data.L2,
	} {
		if set {
			buttonsB |= 1 << (7 - i)
		}
	}

	return controllerDataJSON{
		Connected:           data.Connected,
		ButtonsA:            buttonsA,
		ButtonsB:            buttonsB,
		PS:                  data.PS,
		Touch:               data.Touch,
		LeftStickX:          data.LeftStickX,
		LeftStickY:          data.LeftStickY,
		RightStickX:         data.RightStickX,
		RightStickY:         data.RightStickY,
		AnalogDPadLeft:      data.AnalogDPadLeft,
		AnalogDPadDown:      data.AnalogDPadDown,
		AnalogDPadRight:     data.AnalogDPadRight,
		AnalogDPadUp:        data.AnalogDPadUp,
		AnalogSquare:        data.AnalogSquare,
		AnalogCross:         data.AnalogCross,
		AnalogCircle:        data.AnalogCircle,
		AnalogTriangle:      data.AnalogTriangle,
		AnalogR1:            data.AnalogR1,
		AnalogL1:            data.AnalogL1,
		AnalogR2:            data.AnalogR2,
		AnalogL2:            data.AnalogL2,
		FirstTouch:          touchView(data.FirstTouch),
		SecondTouch:         touchView(data.SecondTouch),
		MotionDataTimestamp: data.MotionDataTimestamp,
		AccelerometerX:      data.AccelerometerX,
		AccelerometerY:      data.AccelerometerY,
		AccelerometerZ:      data.AccelerometerZ,
		GyroscopePitch:      data.GyroscopePitch,
		GyroscopeYaw:        data.GyroscopeYaw,
		GyroscopeRoll:       data.GyroscopeRoll,
	}
}
