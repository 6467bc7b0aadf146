package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peepel/rendezvous/internal/client"
	"github.com/peepel/rendezvous/internal/logging"
	"github.com/peepel/rendezvous/internal/protocol"
	"github.com/peepel/rendezvous/internal/server"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "Anonymous peer matchmaking and WebRTC signaling",
	Long: `Rendezvous pairs anonymous clients and relays their WebRTC
handshake so they can open a direct peer-to-peer connection.

The server keeps no accounts and stores nothing: a client connects,
asks for a peer, and the first two askers are paired. After the
offer/answer/ICE exchange all media flows directly between the peers.

Example:
  rendezvous serve --port 8080
  rendezvous find --server ws://localhost:8080/ws`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevel(logging.ParseLevel(logLevel))
		logging.SetJSON(jsonLogs)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the matchmaking and signaling server.

Configuration is layered: defaults, then environment (RV_PORT,
RV_ALLOWED_ORIGINS, RV_ICE_SERVERS, RV_HEARTBEAT_INTERVAL), then
flags. A flag that was set wins over its environment variable.`,
	RunE: runServe,
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Connect as a client and wait for a match",
	Long: `Connect to a signaling server, request a peer and print the
signaling traffic as it arrives. Useful for smoke-testing a server.`,
	RunE: runFind,
}

var (
	// Root flags
	logLevel string
	jsonLogs bool

	// Serve flags
	servePort      int
	serveOrigins   []string
	serveICEFile   string
	serveHeartbeat time.Duration
	serveRateMax   int

	// Find flags
	findServer  string
	findTimeout time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(findCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default 8080, or RV_PORT)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origins", nil, "Allowed browser origins (default: all)")
	serveCmd.Flags().StringVar(&serveICEFile, "ice-servers", "", "Path to a JSON ICE server list")
	serveCmd.Flags().DurationVar(&serveHeartbeat, "heartbeat", 0, "Expected client ping interval (default 30s)")
	serveCmd.Flags().IntVar(&serveRateMax, "rate-limit", 0, "Max connection attempts per IP per minute (default 30)")

	findCmd.Flags().StringVar(&findServer, "server", "ws://localhost:8080/ws", "Signaling server URL")
	findCmd.Flags().DurationVar(&findTimeout, "timeout", 30*time.Second, "How long to wait for a match")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := server.ConfigFromEnv()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Addr = fmt.Sprintf(":%d", servePort)
	}
	if cmd.Flags().Changed("origins") {
		cfg.AllowedOrigins = serveOrigins
	}
	if cmd.Flags().Changed("ice-servers") {
		data, err := os.ReadFile(serveICEFile)
		if err != nil {
			return fmt.Errorf("read ice servers: %w", err)
		}
		servers, err := protocol.ParseICEServers(data)
		if err != nil {
			return err
		}
		cfg.ICEServers = servers
	}
	if cmd.Flags().Changed("heartbeat") {
		cfg.HeartbeatInterval = serveHeartbeat
	}
	if cmd.Flags().Changed("rate-limit") {
		cfg.RateLimitMax = serveRateMax
	}

	srv := server.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("shutdown failed", logging.F("error", err.Error()))
		}
	}()

	return srv.Start()
}

func runFind(cmd *cobra.Command, args []string) error {
	ch := client.NewChannel(client.Config{URL: findServer})
	defer ch.Disconnect()

	done := make(chan string, 1)
	ch.OnMessage(func(msg protocol.Message) {
		switch msg.Kind {
		case protocol.KindConnected:
			fmt.Printf("session %s\n", msg.UserID)
		case protocol.KindWaiting:
			fmt.Println("waiting for a peer...")
		case protocol.KindPeerFound:
			role := "responder"
			if msg.Initiator {
				role = "initiator"
			}
			fmt.Printf("matched with %s (%s)\n", msg.PeerID, role)
			done <- msg.PeerID
		case protocol.KindError:
			fmt.Printf("server error: %s\n", msg.Text)
		default:
			fmt.Printf("<- %s\n", msg.Kind)
		}
	})

	if err := ch.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", findServer, err)
	}
	if err := ch.FindPeer(); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(findTimeout):
		return fmt.Errorf("no peer found within %s", findTimeout)
	}
}
