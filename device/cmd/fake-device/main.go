// Command fake-device simulates a power switch connected to the gateway. It answers
// discovery, TurnOn, TurnOff and ReportState, and can flip itself periodically to
// exercise the change-report relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicelink/voicelink/device/client"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg         client.Config
		name        string
		toggleEvery time.Duration
		debug       bool
	)

	cmd := &cobra.Command{
		Use:           "fake-device",
		Short:         "Simulated power switch for the directive gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ClientID == "" || cfg.ClientToken == "" {
				return fmt.Errorf("--client-id and --client-token are required")
			}

			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

			sw := newSwitch(cfg.DeviceID, name)
			c := client.New(cfg, client.Handlers{
				Discovery: sw.discover,
				Directive: sw.handle,
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if toggleEvery > 0 {
				go sw.toggleLoop(ctx, c, toggleEvery, logger)
			}

			logger.Info("fake device starting", "device_id", cfg.DeviceID, "url", cfg.URL)
			if err := c.Connect(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("fake device stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "gateway websocket URL")
	f.StringVar(&cfg.ClientID, "client-id", os.Getenv("GATEWAY_CLIENT_ID"), "account client id (env GATEWAY_CLIENT_ID)")
	f.StringVar(&cfg.ClientToken, "client-token", os.Getenv("GATEWAY_CLIENT_TOKEN"), "device access token (env GATEWAY_CLIENT_TOKEN)")
	f.StringVar(&cfg.DeviceID, "device-id", "fake-switch", "endpoint id reported to the platform")
	f.DurationVar(&cfg.ReconnectInterval, "reconnect", 5*time.Second, "delay between reconnect attempts")
	f.BoolVar(&cfg.TLSSkipVerify, "insecure", false, "skip TLS certificate verification")
	f.StringVar(&name, "name", "Fake Switch", "friendly name reported on discovery")
	f.DurationVar(&toggleEvery, "toggle-every", 0, "flip the switch and send a change report at this interval (0 disables)")
	f.BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}
