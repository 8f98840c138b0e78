package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/mmate-ipc/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "ipc-demo",
		Short: "Exercise request/response messaging between a host and its windows",
		Long: `ipc-demo runs a host and renderer windows and performs ping round trips
between them, either in-process or across RabbitMQ.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./ipc.yaml, env IPC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug tracing")

	// resolved before any subcommand runs
	load := func() (*env, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if verbose {
			cfg.Messenger.Debug = true
			cfg.Log.Level = "debug"
		}
		return newEnv(cfg)
	}

	var (
		windows int
		count   int
	)
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Run host and windows in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			report, err := runMemory(ctx, e, windows, count)
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			return nil
		},
	}
	memoryCmd.Flags().IntVarP(&windows, "windows", "w", 3, "Number of windows to open")
	memoryCmd.Flags().IntVarP(&count, "count", "n", 10, "Pings per window in each direction")

	var hostID string
	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Run the host over RabbitMQ and answer pings until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if hostID != "" {
				e.cfg.Transport.EndpointID = hostID
			}
			return runHost(ctx, e)
		},
	}
	hostCmd.Flags().StringVar(&hostID, "id", "host", "Endpoint id of the host")

	var peerID string
	windowCmd := &cobra.Command{
		Use:   "window",
		Short: "Run a window over RabbitMQ that pings the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if peerID != "" {
				e.cfg.Transport.PeerID = peerID
			}
			report, err := runWindow(ctx, e, count)
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			return nil
		},
	}
	windowCmd.Flags().StringVar(&peerID, "peer", "host", "Endpoint id of the host")
	windowCmd.Flags().IntVarP(&count, "count", "n", 10, "Pings to send")

	rootCmd.AddCommand(memoryCmd, hostCmd, windowCmd)
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
