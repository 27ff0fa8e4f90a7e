package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zalo/padlink/client"
	"github.com/zalo/padlink/internal/bridge"
)

var (
	bridgeListen string
	bridgeBind   string
	bridgeServer string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Republish DSU controller events to websocket subscribers",
	Long: `Runs an embedded DSU client subscribed to a server and an HTTP endpoint
at /ws; controller events are pushed to every websocket subscriber as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge()
	},
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", ":8080", "HTTP listen address")
	bridgeCmd.Flags().StringVar(&bridgeBind, "bind", client.DefaultAddr, "UDP address to bind the DSU client")
	bridgeCmd.Flags().StringVar(&bridgeServer, "server", client.DefaultServerAddr, "DSU server address")
}

func runBridge() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := bridge.New(bridge.Config{
		Logger:     newLogger(),
		ListenAddr: bridgeListen,
		ClientBind: bridgeBind,
		ServerAddr: bridgeServer,
	})
	if err != nil {
		return err
	}
	return b.Run(ctx)
}
