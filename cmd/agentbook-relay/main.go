// Package main provides the CLI entry point for the agentbook-relay daemon.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentbook/agentbook/internal/config"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/relay"
	"github.com/agentbook/agentbook/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "agentbook-relay",
		Short:   "Agentbook relay daemon",
		Long:    "agentbook-relay fans envelopes out between registered node sessions and serves the durable username directory.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})

	runC := runCmd()
	runC.GroupID = "start"
	rootCmd.AddCommand(runC)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// listenerTransport builds the transport a single ListenerConfig listens
// on. Relay listeners do not use AutoTransport's loopback TLS shortcut:
// unlike a node dialing out, a relay's listen side always decides its own
// TLS posture from its ListenerConfig.
func listenerTransport(l config.ListenerConfig) (transport.Transport, error) {
	switch l.Transport {
	case "ws":
		return transport.NewWebSocketTransport(), nil
	default:
		return transport.NewQUICTransport(), nil
	}
}

func listenerTLSConfig(l config.ListenerConfig) (*tls.Config, error) {
	if !l.TLS.HasCert() || !l.TLS.HasKey() {
		return nil, nil
	}
	certPEM, err := l.TLS.GetCertPEM()
	if err != nil {
		return nil, fmt.Errorf("read listener cert: %w", err)
	}
	keyPEM, err := l.TLS.GetKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read listener key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse listener certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon",
		Long:  "Start the relay daemon: open the username directory, bind every configured listener, and route envelopes between registered sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			dsn := cfg.Directory.DSN
			if !filepath.IsAbs(dsn) {
				dsn = filepath.Join(cfg.Agent.DataDir, dsn)
			}
			if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			directory, err := relay.OpenDirectory(dsn)
			if err != nil {
				return fmt.Errorf("failed to open username directory: %w", err)
			}
			defer directory.Close()

			metrics := relay.NewMetrics()
			host := relay.NewHost(relay.HostConfig{
				Directory: directory,
				Metrics:   metrics,
				Logger:    logger,
			})

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						logger.Error("metrics server stopped", logging.KeyError, err)
					}
				}()
				fmt.Printf("Metrics: http://%s/metrics\n", cfg.MetricsAddr)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var listeners []transport.Listener
			for _, lc := range cfg.Listeners {
				tr, err := listenerTransport(lc)
				if err != nil {
					return err
				}
				tlsCfg, err := listenerTLSConfig(lc)
				if err != nil {
					return err
				}

				opts := transport.DefaultListenOptions()
				opts.Path = lc.Path
				opts.TLSConfig = tlsCfg

				ln, err := tr.Listen(lc.Address, opts)
				if err != nil {
					return fmt.Errorf("failed to listen on %s (%s): %w", lc.Address, lc.Transport, err)
				}
				listeners = append(listeners, ln)

				fmt.Printf("Listening: %s (%s)\n", lc.Address, lc.Transport)
				go acceptLoop(ctx, host, ln, logger)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			cancel()
			for _, ln := range listeners {
				ln.Close()
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./agentbook-relay.yaml", "Path to relay configuration file")
	return cmd
}

// acceptLoop accepts connections on ln until ctx is cancelled, handing each
// one to host.Accept on its own goroutine for the connection's lifetime.
func acceptLoop(ctx context.Context, host *relay.Host, ln transport.Listener, logger *slog.Logger) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", logging.KeyError, err)
			continue
		}
		go func() {
			if err := host.Accept(ctx, conn); err != nil {
				logger.Debug("session ended", logging.KeyError, err)
			}
		}()
	}
}
