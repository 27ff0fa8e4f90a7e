package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zalo/padlink/protocol"
	"github.com/zalo/padlink/server"
)

var (
	serveListen      string
	serveID          uint32
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a DSU server publishing a synthetic demo controller",
	Long: `Runs a DSU server and feeds it a synthetic controller on slot 0:
sine-wave sticks and gyro sampled at 100 Hz, the same cadence a real
input-source adapter would use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", server.DefaultAddr, "UDP address to bind")
	serveCmd.Flags().Uint32Var(&serveID, "id", 0, "server source ID (0 = random)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address for prometheus /metrics (empty = disabled)")
}

func runServe() error {
	log := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serveMetricsAddr != "" {
		go func() {
			log.Info("metrics listening", "address", serveMetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(serveMetricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Logger: log,
		ID:     serveID,
		Addr:   serveListen,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	srv.UpdateControllerInfo(protocol.ControllerInfo{
		Slot:           0,
		SlotState:      protocol.SlotConnected,
		DeviceType:     protocol.DeviceFullGyro,
		ConnectionType: protocol.ConnectionUSB,
		MACAddress:     0x0000DEADBEEF,
		BatteryStatus:  protocol.BatteryFull,
	})

	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-done
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		phase := elapsed.Seconds()

		srv.UpdateControllerData(0, protocol.ControllerData{
			Connected:           true,
			LeftStickX:          stickValue(math.Sin(phase)),
			LeftStickY:          stickValue(math.Cos(phase)),
			RightStickX:         stickValue(math.Sin(phase / 2)),
			RightStickY:         stickValue(math.Cos(phase / 2)),
			Cross:               int(phase)%2 == 0,
			AnalogCross:         analogValue(math.Abs(math.Sin(phase))),
			MotionDataTimestamp: uint64(elapsed.Microseconds()),
			GyroscopePitch:      float32(90 * math.Sin(phase)),
			GyroscopeYaw:        float32(90 * math.Cos(phase)),
		})
	}
}

// stickValue maps a [-1, 1] axis to the wire encoding centred at 0x7F.
func stickValue(v float64) uint8 {
	return uint8(math.Round(v*127 + 127))
}

// analogValue maps a [0, 1] button value to 0-255.
func analogValue(v float64) uint8 {
	return uint8(math.Round(v * 255))
}
