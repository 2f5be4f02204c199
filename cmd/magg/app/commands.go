// Package app provides the entry point for the magg command-line
// application.
package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/server"
)

// ErrInterrupted reports that the user interrupted the command; the process
// exits with status 130.
var ErrInterrupted = errors.New("interrupted")

var rootCmd = &cobra.Command{
	Use:               "magg",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "magg is an MCP aggregator: one endpoint for many MCP servers",
	Long: `magg aggregates many MCP (Model Context Protocol) servers behind a single
endpoint. It mounts each configured backend, namespaces its tools under a
prefix, forwards notifications in both directions, and reloads the catalog
dynamically as it changes on disk.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the magg CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Catalog file path (overrides MAGG_CONFIG_PATH)")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listServersCmd())
	rootCmd.AddCommand(addServerCmd())
	rootCmd.AddCommand(removeServerCmd())

	return rootCmd
}

// loadSettings resolves process settings, honoring the --config flag.
func loadSettings(cmd *cobra.Command) *config.Settings {
	settings := config.LoadSettings()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		settings.ConfigPath = path
	}
	return settings
}

// signalContext derives a context cancelled on SIGINT/SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var (
		useHTTP   bool
		useStdio  bool
		useHybrid bool
		host      string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator server",
		Long: `Run the aggregator server, mounting every enabled backend and serving the
aggregated surface over stdio (default), HTTP, or both.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.Initialize()
			settings := loadSettings(cmd)

			srv, err := server.New(settings)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			var serveErr error
			switch {
			case useHybrid:
				serveErr = serveHybrid(ctx, srv, host, port)
			case useHTTP:
				serveErr = srv.ServeHTTP(ctx, host, port)
			default:
				serveErr = srv.ServeStdio(ctx)
			}

			if serveErr != nil && ctx.Err() != nil {
				return ErrInterrupted
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&useHTTP, "http", false, "Serve over streamable HTTP")
	cmd.Flags().BoolVar(&useStdio, "stdio", false, "Serve over stdio (default)")
	cmd.Flags().BoolVar(&useHybrid, "hybrid", false, "Serve over both stdio and HTTP")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "HTTP bind address")
	cmd.Flags().IntVar(&port, "port", 8000, "HTTP bind port")
	cmd.MarkFlagsMutuallyExclusive("http", "stdio", "hybrid")
	_ = useStdio

	return cmd
}

// serveHybrid serves HTTP in the background and stdio in the foreground
// against the same aggregator instance.
func serveHybrid(ctx context.Context, srv *server.Server, host string, port int) error {
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- srv.ServeHTTP(ctx, host, port)
	}()

	if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return <-httpErr
}
