// Package main provides the CLI entry point for the agentbook-node daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentbook/agentbook/internal/config"
	"github.com/agentbook/agentbook/internal/control"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/followgraph"
	"github.com/agentbook/agentbook/internal/inbox"
	"github.com/agentbook/agentbook/internal/ingress"
	"github.com/agentbook/agentbook/internal/keystore"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/node"
	"github.com/agentbook/agentbook/internal/relayclient"
	"github.com/agentbook/agentbook/internal/rooms"
	"github.com/agentbook/agentbook/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "agentbook-node",
		Short:   "Agentbook node daemon",
		Long:    "agentbook-node runs one node's identity, follow graph, inbox and room membership against a single relay, exposing a local control socket for clients.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	runC := runCmd()
	runC.GroupID = "start"
	rootCmd.AddCommand(runC)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// keystoreDir resolves the directory a keystore.Store is rooted at from a
// NodeConfig: IdentityPath names the sealed file, keystore.Store appends
// its own fixed filename, so only the directory portion is used.
func keystoreDir(cfg *config.NodeConfig) string {
	identityPath := cfg.IdentityPath
	if !filepath.IsAbs(identityPath) {
		identityPath = filepath.Join(cfg.Agent.DataDir, identityPath)
	}
	return filepath.Dir(identityPath)
}

func readPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(b), nil
}

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate or unseal this node's identity",
		Long:  "Generates a new node identity sealed under a passphrase, or reports the identity already present.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNodeConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ks := keystore.New(keystoreDir(cfg))
			if ks.Exists() {
				passphrase, err := readPassphrase("Identity passphrase: ")
				if err != nil {
					return err
				}
				id, err := ks.Load(passphrase)
				if err != nil {
					return fmt.Errorf("failed to unseal existing identity: %w", err)
				}
				fmt.Printf("Identity already present at %s\n", ks.Path())
				fmt.Printf("Node ID: %s\n", id.NodeID.String())
				return nil
			}

			passphrase, err := readPassphrase("New identity passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := readPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase cannot be empty")
			}

			id, err := cryptoid.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			if err := ks.Save(id, passphrase); err != nil {
				return fmt.Errorf("failed to seal identity: %w", err)
			}

			fmt.Printf("Identity created at %s\n", ks.Path())
			fmt.Printf("Node ID: %s\n", id.NodeID.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./agentbook-node.yaml", "Path to node configuration file")
	return cmd
}

// dialTransport picks QUIC or WebSocket based on the relay address's
// scheme: a ws://, wss:// address uses the WebSocket transport, anything
// else dials as a bare host:port over QUIC (spec §4.7).
func dialTransport(relayAddr string) transport.Transport {
	var inner transport.Transport
	if strings.HasPrefix(relayAddr, "ws://") || strings.HasPrefix(relayAddr, "wss://") {
		inner = transport.NewWebSocketTransport()
	} else {
		inner = transport.NewQUICTransport()
	}
	return transport.NewAutoTransport(inner)
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon",
		Long:  "Start the node daemon: load the sealed identity, connect to the configured relay, and serve the local control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNodeConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			ks := keystore.New(keystoreDir(cfg))
			if !ks.Exists() {
				return fmt.Errorf("no identity found; run 'agentbook-node init -c %s' first", configPath)
			}
			passphrase, err := readPassphrase("Identity passphrase: ")
			if err != nil {
				return err
			}
			id, err := ks.Load(passphrase)
			if err != nil {
				return fmt.Errorf("failed to unseal identity: %w", err)
			}

			follows, err := followgraph.Open(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open follow graph: %w", err)
			}
			ib, err := inbox.Open(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open inbox: %w", err)
			}
			defer ib.Close()
			roomStore, err := rooms.Open(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open room store: %w", err)
			}

			policy := ingress.NewPolicyFromConfig(ingress.Config{
				MaxClockSkew:    cfg.Ingress.MaxClockSkew,
				ReplayWindow:    cfg.Ingress.ReplayWindow,
				ReplayCacheSize: cfg.Ingress.ReplayCacheSize,
				RatePerSecond:   cfg.Ingress.RatePerSecond,
				RateBurst:       cfg.Ingress.RateBurst,
			})

			// relayClient.OnEnvelope must be set at construction time, but
			// the daemon it dispatches into needs relayClient itself to
			// construct. Resolve the cycle with a forward-declared
			// variable the closure reads at call time, assigned before
			// relayClient.Run ever starts.
			var daemon *node.Daemon
			relayClient := relayclient.NewClient(relayclient.Config{
				RelayAddr: cfg.RelayAddr,
				Identity:  id,
				Transport: dialTransport(cfg.RelayAddr),
				Logger:    logger,
				OnEnvelope: func(env *envelope.Envelope) {
					if daemon != nil {
						daemon.HandleEnvelope(env)
					}
				},
			})

			daemon = node.New(node.Config{
				Identity: id,
				Follows:  follows,
				Inbox:    ib,
				Rooms:    roomStore,
				Relay:    relayClient,
				Ingress:  policy,
				Logger:   logger,
			})

			socketPath := cfg.ControlSocket
			if !filepath.IsAbs(socketPath) {
				socketPath = filepath.Join(cfg.Agent.DataDir, socketPath)
			}
			server := control.NewServer(control.ServerConfig{
				SocketPath: socketPath,
				NodeID:     id.NodeID.String(),
				Logger:     logger,
			}, daemon)
			daemon.SetBroadcaster(server)

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start control server: %w", err)
			}

			ctx, cancelRun := context.WithCancel(context.Background())
			go func() {
				if err := relayClient.Run(ctx); err != nil {
					logger.Error("relay client stopped", logging.KeyError, err)
				}
			}()

			fmt.Printf("agentbook-node running\n")
			fmt.Printf("Node ID: %s\n", id.NodeID.String())
			fmt.Printf("Control socket: %s\n", socketPath)
			fmt.Printf("Relay: %s\n", cfg.RelayAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-daemon.Done():
				fmt.Println("\nShutdown requested over control socket...")
			}

			cancelRun()
			relayClient.Close()
			if err := server.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./agentbook-node.yaml", "Path to node configuration file")
	return cmd
}
