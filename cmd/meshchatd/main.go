// Command meshchatd runs the mesh chat engine as a standalone daemon,
// wiring engine.Engine to a TOML config file and the process signal
// handlers, in the CLI shape the example pack's cobra+godotenv
// convention uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/catshadow/meshchat/engine"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "meshchatd",
		Short: "Run the meshchat peer-to-peer engine",
		RunE:  run,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "meshchat.toml", "path to config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "meshchatd"})

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
	}
	e, err := engine.New(cfg.Name, cfg.RootPath, cfg.Port, reg)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	e.SetDelegate(func(ev engine.Event) {
		switch ev.Kind {
		case engine.MessageAdmitted:
			logger.Infof("message admitted: peer=%s counter=%d", ev.Message.PeerID, ev.Message.Counter)
		case engine.PeerChanged:
			logger.Infof("peer changed: %s", ev.Peer.PeerID)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		e.StartMetrics(ctx, cfg.Metrics.Listen)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- e.RunServer(ctx) }()
	go func() { errCh <- e.RunLoop(ctx) }()

	<-ctx.Done()
	logger.Info("shutting down")
	return <-errCh
}
