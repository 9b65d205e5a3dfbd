// Package main provides the CLI entry point for the room relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/roomrelay/internal/client"
	"github.com/postalsys/roomrelay/internal/config"
	"github.com/postalsys/roomrelay/internal/control"
	"github.com/postalsys/roomrelay/internal/loadtest"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/relay"
	"github.com/postalsys/roomrelay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roomrelay",
		Short: "Room Relay - UDP room-tagged message relay",
		Long: `Room Relay receives UDP datagrams of the form <room><><payload>,
tracks one connection per remote address and routes each payload to
the handlers subscribed to its room.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(benchCmd())

	return rootCmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [port]",
		Short: "Run the relay",
		Long: `Start the relay with the specified configuration. A port argument
overrides the port of server.listen_address.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := cfg.ApplyPort(args[0]); err != nil {
					return err
				}
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runRelay(ctx, cfg, logger, func(srv *relay.Server) {
				fmt.Fprintf(cmd.OutOrStdout(), "Room relay listening on %s\n", srv.LocalAddr())
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")

	return cmd
}

// loadConfig loads path. A missing file is only tolerated when the path
// was not given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a relay configuration file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init needs an interactive terminal; write the config file by hand instead")
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			if _, err := wizard.New(configPath).Run(); err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path of the configuration file to write")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing configuration file")

	return cmd
}

func emitCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "emit <address> <room> <payload>",
		Short: "Send one message to a relay",
		Long: `Send a single <room><><payload> datagram to the relay at address.
With --wait, print the first reply the relay sends back.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := client.Dial(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Emit(args[1], []byte(args[2])); err != nil {
				return err
			}
			if !wait {
				return nil
			}

			msg, err := c.Receive(ctx)
			if err != nil {
				return fmt.Errorf("waiting for reply: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s<>%s\n", msg.Room, msg.Payload)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for and print one reply")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for a reply")

	return cmd
}

func broadcastCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "broadcast <room> <payload>",
		Short: "Send a message to every peer of a running relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socketPath)
			defer c.Close()

			resp, err := c.Broadcast(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("broadcast failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Delivered to %d peer(s)\n", resp.Delivered)
			for _, f := range resp.Failed {
				fmt.Fprintf(out, "  failed %s: %s\n", f.Addr, f.Error)
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the current status of a running relay via its control socket.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socketPath)
			defer c.Close()

			status, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running:       %v\n", status.Running)
			fmt.Fprintf(out, "Listen:        %s\n", status.ListenAddress)
			if status.Uptime != "" {
				fmt.Fprintf(out, "Uptime:        %s\n", status.Uptime)
			}
			fmt.Fprintf(out, "Peers:         %d\n", status.Peers)
			fmt.Fprintf(out, "Max datagram:  %s\n", humanize.IBytes(uint64(status.MaxDatagramSize)))
			fmt.Fprintf(out, "Dispatch:      %d workers, queue %d/%d\n", status.Workers, status.QueueDepth, status.QueueCapacity)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func peersCmd() *cobra.Command {
	var (
		socketPath string
		disconnect string
	)

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List connected peers",
		Long:  "Display all peers the running relay is tracking, or disconnect one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socketPath)
			defer c.Close()
			out := cmd.OutOrStdout()

			if disconnect != "" {
				if _, err := c.Disconnect(cmd.Context(), disconnect); err != nil {
					return fmt.Errorf("disconnect failed: %w", err)
				}
				fmt.Fprintf(out, "Disconnected %s\n", disconnect)
				return nil
			}

			resp, err := c.Peers(cmd.Context())
			if err != nil {
				return fmt.Errorf("peers failed: %w", err)
			}
			if len(resp.Peers) == 0 {
				fmt.Fprintln(out, "No peers.")
				return nil
			}

			for _, p := range resp.Peers {
				fmt.Fprintf(out, "%-24s rooms=[%s] in=%d (%s) out=%d (%s) seen %s\n",
					p.Addr,
					strings.Join(p.Rooms, ","),
					p.MessagesIn, humanize.IBytes(p.BytesIn),
					p.MessagesOut, humanize.IBytes(p.BytesOut),
					humanize.Time(p.LastActivity))
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&disconnect, "disconnect", "", "Forget the peer at this address")
	return cmd
}

func benchCmd() *cobra.Command {
	var (
		clients     int
		payloadSize int
		duration    time.Duration
		room        string
	)

	cmd := &cobra.Command{
		Use:   "bench <address>",
		Short: "Measure echo round trips against a relay",
		Long: `Send messages to an echo room of the relay at address from several
clients and report round-trip latency and loss.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := loadtest.NewEchoLoadGenerator(clients, payloadSize, duration, room)
			m, err := gen.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Clients:   %d\n", m.Clients)
			fmt.Fprintf(out, "Sent:      %d (%s)\n", m.Sent, humanize.IBytes(uint64(m.BytesSent)))
			fmt.Fprintf(out, "Received:  %d\n", m.Received)
			fmt.Fprintf(out, "Lost:      %d (%.1f%%)\n", m.Lost, m.LossRate()*100)
			fmt.Fprintf(out, "Latency:   min %v, avg %v, max %v\n", m.MinLatency, m.AvgLatency, m.MaxLatency)
			fmt.Fprintf(out, "Rate:      %.0f msg/s\n", m.MessagesPerSec)
			return nil
		},
	}

	cmd.Flags().IntVarP(&clients, "clients", "n", 4, "Concurrent clients")
	cmd.Flags().IntVar(&payloadSize, "payload-size", 64, "Payload bytes per message")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "Test duration")
	cmd.Flags().StringVarP(&room, "room", "r", "echo", "Echo room to target")

	return cmd
}

func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", config.Default().Control.SocketPath, "Path to the relay control socket")
}
