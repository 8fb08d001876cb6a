package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/Thinh-nguyen-03/gatekeep/internal/api"
	"github.com/Thinh-nguyen-03/gatekeep/internal/metrics"
	"github.com/Thinh-nguyen-03/gatekeep/internal/tlsboot"
)

var (
	serveHost       string
	servePort       int
	serveProduction bool
	serveNoTLS      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gatekeep server",
	Long: `Start the gatekeep HTTP server.

Every request passes the access filter, the rate limit tiers and CORS before
it is routed. When TLS is enabled and no key/certificate pair is configured,
a self-signed pair is written to tls.self_signed_dir.

Examples:
  gatekeep serve
  gatekeep serve --port 3000
  gatekeep serve --host 0.0.0.0 --no-tls
  gatekeep serve --production`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind to (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveProduction, "production", false, "enable production mode")
	serveCmd.Flags().BoolVar(&serveNoTLS, "no-tls", false, "serve plain HTTP even if tls.enable is set")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Override with command-line flags if provided
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("production") {
		cfg.Server.Production = serveProduction
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := api.Assemble(cfg, loader, registerExamples)
	if err != nil {
		return err
	}

	// TLS material is resolved before any socket is opened.
	scheme := "http"
	if cfg.TLS.Enable && !serveNoTLS {
		boot := tlsboot.Default(cfg.Server.Host)
		material, err := boot.Resolve(cfg.TLS.PrivateKeyPath, cfg.TLS.CertPath, cfg.TLS.SelfSignedDir)
		if err != nil {
			return fmt.Errorf("tls bootstrap: %w", err)
		}
		tlsConfig, err := boot.ServerConfig(material)
		if err != nil {
			return fmt.Errorf("tls bootstrap: %w", err)
		}
		server.UseTLS(tlsConfig)
		scheme = "https"
	}

	reporters, err := metrics.FromConfig(ctx, cfg.Metrics, os.Stdout)
	if err != nil {
		return err
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	if len(reporters) > 0 {
		counters := server.Dispatcher().Context().Metrics()
		wg.Go(func() { metrics.Run(ctx, counters, reporters...) })
	}

	reloader := server.Reloader()
	if reloader.WatchFile() {
		slog.Info("watching configuration file", "file", reloader.ConfigFile())
	}
	wg.Go(func() { reloader.HandleSignals(ctx) })

	fmt.Printf("Starting gatekeep on %s://%s\n", scheme, cfg.Addr())
	fmt.Println("\nPress Ctrl+C to stop")

	err = server.Start(ctx)
	stop()
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
