package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zalo/padlink/client"
	"github.com/zalo/padlink/protocol"
)

var (
	watchBind   string
	watchServer string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to a DSU server and print controller events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch()
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchBind, "bind", client.DefaultAddr, "UDP address to bind")
	watchCmd.Flags().StringVar(&watchServer, "server", client.DefaultServerAddr, "DSU server address")
}

func runWatch() error {
	log := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsuClient, err := client.New(client.Config{
		Logger:     log,
		Addr:       watchBind,
		ServerAddr: watchServer,
	})
	if err != nil {
		return err
	}
	defer dsuClient.Close()

	done := make(chan error, 1)
	go func() {
		done <- dsuClient.Run(ctx)
	}()

	if err := dsuClient.RequestConnectedControllersInfo([]uint8{0, 1, 2, 3}); err != nil {
		return err
	}

	// Renew the subscription every second; DSU servers may drop
	// subscriptions that are not renewed.
	renew := time.NewTicker(time.Second)
	defer renew.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	if err := dsuClient.RequestControllerData(protocol.ReportAll()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return <-done
		case <-renew.C:
			if err := dsuClient.RequestControllerData(protocol.ReportAll()); err != nil {
				log.Warn("subscription renewal failed", "error", err)
			}
		case <-poll.C:
			for {
				event, ok := dsuClient.NextEvent()
				if !ok {
					break
				}
				printEvent(event)
			}
		}
	}
}

func printEvent(event client.Event) {
	switch e := event.(type) {
	case client.ControllerInfoChanged:
		fmt.Printf("info slot=%d state=%d device=%d connection=%d mac=%012X battery=%#02x\n",
			e.Info.Slot, e.Info.SlotState, e.Info.DeviceType, e.Info.ConnectionType,
			e.Info.MACAddress, uint8(e.Info.BatteryStatus))
	case client.ControllerDataChanged:
		fmt.Printf("data slot=%d connected=%t ls=(%d,%d) rs=(%d,%d) gyro=(%.1f,%.1f,%.1f) ts=%dus\n",
			e.Info.Slot, e.Data.Connected,
			e.Data.LeftStickX, e.Data.LeftStickY,
			e.Data.RightStickX, e.Data.RightStickY,
			e.Data.GyroscopePitch, e.Data.GyroscopeYaw, e.Data.GyroscopeRoll,
			e.Data.MotionDataTimestamp)
	}
}
