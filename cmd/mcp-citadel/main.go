// Command mcp-citadel runs the MCP hub: a Unix socket (and optionally HTTP
// and WebSocket) front for a set of named backend MCP servers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
	"github.com/vikashloomba/mcp-citadel-go/pkg/gateway"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mcp-citadel",
		Short:         "Session-multiplexing hub for MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newServersCmd(&configPath))
	return root
}

func newStartCmd(configPath *string) *cobra.Command {
	var (
		httpEnabled bool
		httpAddr    string
		socketPath  string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if socketPath != "" {
				cfg.SocketPath = socketPath
			}
			if httpEnabled {
				cfg.HTTP.Enabled = true
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			opts := &gateway.Options{
				SocketPath:     cfg.SocketPath,
				SessionMaxIdle: cfg.HTTP.SessionTimeout,
				Logger:         logger,
			}
			if cfg.HTTP.Enabled {
				opts.Addr = cfg.HTTP.Addr()
				if httpAddr != "" {
					opts.Addr = httpAddr
				}
			}

			if len(cfg.Servers) == 0 {
				logger.Warn("no backend servers configured")
			}
			g := gateway.New(cfg.Servers, opts)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("starting hub", "socket", cfg.SocketPath, "http", opts.Addr != "")
			return g.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&httpEnabled, "http", false, "enable the HTTP transport")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (implies --http)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PreRun = func(*cobra.Command, []string) {
		if httpAddr != "" {
			httpEnabled = true
		}
	}
	return cmd
}

func newServersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured backend servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if len(cfg.Servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no servers configured")
				return nil
			}
			for name, sc := range cfg.Servers {
				switch c := sc.(type) {
				case *config.StdioServerConfig:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tstdio\t%s\n", name, c.Command)
				case *config.SocketServerConfig:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tsocket\t%s://%s\n", name, c.Network, c.Address)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t?\n", name)
				}
			}
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
