// Package main provides the CLI entry point for a transmissions node.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/chamber"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/config"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/logging"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/node"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/recovery"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "transmissionsd",
		Short:   "Seigr Toolset Transmissions node",
		Long:    "transmissionsd runs a node of the encrypted, multiplexed transport protocol: mutual-authentication handshake, session key rotation, and multi-transport listeners in one process.",
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(chamberCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a node's identity and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				id, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("load existing identity: %w", err)
				}
				fmt.Printf("Node already initialized in %s\n", dataDir)
				fmt.Printf("Node ID: %s\n", id.String())
				return nil
			}

			id, created, err := identity.LoadOrCreate(dataDir, cryptoadapter.New())
			if err != nil {
				return fmt.Errorf("initialize node: %w", err)
			}
			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			}
			fmt.Printf("Node ID: %s\n", id.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	return cmd
}

func identityCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the node's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Load(dataDir)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(id.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	return cmd
}

func certCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed transport certificate",
		Long: `Generate a self-signed TLS certificate for a transport listener.

This is a transport-layer convenience only: the protocol's own
mutual-authentication handshake and session encryption are what actually
authenticate and protect traffic between nodes, same as the TLS layer
underneath it is not the trust boundary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(outDir, 0700); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			certPath := outDir + "/node.crt"
			keyPath := outDir + "/node.key"
			validFor := time.Duration(validDays) * 24 * time.Hour

			if err := transport.GenerateAndSaveCert(certPath, keyPath, commonName, validFor); err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Private key: %s\n", keyPath)
			fmt.Printf("Valid for:   %d days\n", validDays)
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "transmissions-node", "Certificate common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/healthz", addr), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connect to node: %w", err)
			}
			defer resp.Body.Close()

			var health healthStatus
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(health)
			}

			fmt.Printf("Node Status\n")
			fmt.Printf("===========\n")
			fmt.Printf("Status:         %s\n", health.Status)
			fmt.Printf("Node ID:        %s\n", health.NodeID)
			fmt.Printf("Sessions:       %d\n", health.SessionCount)
			fmt.Printf("Bytes sent:     %s\n", humanize.Bytes(health.BytesSent))
			fmt.Printf("Bytes received: %s\n", humanize.Bytes(health.BytesReceived))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "address", "a", "localhost:8080", "Node HTTP address (host:port)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// openChamberStore opens the node's persisted record store under the
// config's data directory, keyed off the shared seed the same way a
// session key would be but with its own derivation purpose so a leaked
// session or handshake key never also unseals chamber records.
func openChamberStore(cfg *config.Config) (*chamber.Store, error) {
	seed, err := cfg.Security.GetSharedSeed()
	if err != nil {
		return nil, fmt.Errorf("read shared seed: %w", err)
	}
	adapter := cryptoadapter.New()
	key, err := adapter.DeriveKey(tlv.Map{"purpose": []byte("chamber_key"), "shared_seed": seed}, 32)
	if err != nil {
		return nil, fmt.Errorf("derive chamber key: %w", err)
	}
	dir := cfg.Agent.DataDir + "/chamber"
	return chamber.Open(dir, adapter, key)
}

func chamberLabel(key string) chamber.Label {
	adapter := cryptoadapter.New()
	h, _ := adapter.DeriveKey(tlv.Map{"purpose": []byte("chamber_label"), "key": []byte(key)}, chamber.LabelSize)
	var label chamber.Label
	copy(label[:], h)
	return label
}

func chamberCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chamber",
		Short: "Inspect the node's persisted record store",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	put := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Seal a value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openChamberStore(cfg)
			if err != nil {
				return err
			}
			return store.Put(chamberLabel(args[0]), []byte(args[1]))
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Read back a sealed value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openChamberStore(cfg)
			if err != nil {
				return err
			}
			value, err := store.Get(chamberLabel(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a sealed value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openChamberStore(cfg)
			if err != nil {
				return err
			}
			return store.Delete(chamberLabel(args[0]))
		},
	}

	root.AddCommand(put, get, del)
	return root
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func runNode(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	var localID identity.NodeID
	if cfg.Agent.ID == "" || cfg.Agent.ID == "auto" {
		var created bool
		localID, created, err = identity.LoadOrCreate(cfg.Agent.DataDir, cryptoadapter.New())
		if err != nil {
			return fmt.Errorf("load or create identity: %w", err)
		}
		if created {
			logger.Info("generated new node identity", logging.KeyNodeID, localID.String())
		}
	} else {
		localID, err = identity.ParseNodeID(cfg.Agent.ID)
		if err != nil {
			return fmt.Errorf("parse agent.id: %w", err)
		}
	}
	logger.Info("starting node", logging.KeyNodeID, localID.String())

	nodeCfg, err := node.FromFileConfig(cfg, localID, logger, nil)
	if err != nil {
		return fmt.Errorf("build node config: %w", err)
	}
	n := node.New(nodeCfg)
	n.RegisterTransport(transport.NewQUICTransport())
	n.RegisterTransport(transport.NewH2Transport())
	n.RegisterTransport(transport.NewWebSocketTransport())

	specs, err := buildListenSpecs(cfg)
	if err != nil {
		return fmt.Errorf("build listeners: %w", err)
	}
	if err := n.Start(specs); err != nil {
		return fmt.Errorf("start listeners: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go acceptLoop(ctx, n, logger)
	for _, p := range cfg.Peers {
		go dialPeer(ctx, n, cfg, p, logger)
	}

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = newHTTPServer(cfg, n, localID)
		go func() {
			defer recovery.RecoverWithLog(logger, "http.server")
			logger.Info("serving metrics and health", logging.KeyAddress, cfg.HTTP.Address)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", logging.KeyError, err.Error())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return n.Stop()
}

// acceptLoop logs every inbound connection as it completes its handshake
// and waits for it to close, same bookkeeping role as the teacher's
// Manager.readLoop but against the richer mutual-auth handshake.
func acceptLoop(ctx context.Context, n *node.Node, logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "node.acceptLoop")
	for {
		conn, err := n.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", logging.KeyError, err.Error())
			continue
		}
		logger.Info("peer connected", logging.KeyPeerID, conn.PeerNodeID().ShortString())
		go func() {
			<-conn.Done()
			logger.Info("peer disconnected", logging.KeyPeerID, conn.PeerNodeID().ShortString())
		}()
	}
}

// dialPeer keeps a connection to a configured peer: it retries a failed
// attempt and reconnects after a lost connection, waiting a fixed backoff
// each time, until ctx is done, grounded on the teacher's
// reconnect loop in internal/peer/manager.go.
func dialPeer(ctx context.Context, n *node.Node, cfg *config.Config, p config.PeerConfig, logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "node.dialPeer")

	var expected identity.NodeID
	var err error
	if p.ID != "" {
		expected, err = identity.ParseNodeID(p.ID)
		if err != nil {
			logger.Warn("invalid peer id in config", logging.KeyPeerID, p.ID, logging.KeyError, err.Error())
			return
		}
	}

	const backoff = 5 * time.Second
	for {
		opts, err := buildDialOptions(cfg, p)
		if err != nil {
			logger.Warn("peer TLS config invalid", logging.KeyAddress, p.Address, logging.KeyError, err.Error())
			return
		}

		conn, err := n.Connect(ctx, transport.TransportType(p.Transport), p.Address, opts, expected)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("connect to peer failed, retrying", logging.KeyAddress, p.Address, logging.KeyError, err.Error())
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		logger.Info("connected to peer", logging.KeyPeerID, conn.PeerNodeID().ShortString(), logging.KeyAddress, p.Address)
		select {
		case <-conn.Done():
			logger.Warn("peer connection lost, retrying", logging.KeyAddress, p.Address)
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func buildListenSpecs(cfg *config.Config) ([]node.ListenSpec, error) {
	specs := make([]node.ListenSpec, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		opts := transport.DefaultListenOptions()
		opts.Path = l.Path
		opts.MaxStreams = cfg.Limits.MaxStreamsPerSession
		opts.PlainText = l.PlainText

		if !l.PlainText {
			tlsCfg, err := buildListenerTLS(cfg, l)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", l.Address, err)
			}
			opts.TLSConfig = tlsCfg
		}

		specs = append(specs, node.ListenSpec{
			Transport: transport.TransportType(l.Transport),
			Address:   l.Address,
			Options:   opts,
		})
	}
	return specs, nil
}

func buildListenerTLS(cfg *config.Config, l config.ListenerConfig) (*tls.Config, error) {
	certPEM, err := cfg.GetEffectiveCertPEM(&l.TLS)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := cfg.GetEffectiveKeyPEM(&l.TLS)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	tlsCfg, err := transport.TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	mtls := cfg.TLS.MTLS
	if l.TLS.MTLS != nil {
		mtls = *l.TLS.MTLS
	}
	if mtls {
		caPEM, err := cfg.GetEffectiveCAPEM(&l.TLS)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func buildDialOptions(cfg *config.Config, p config.PeerConfig) (transport.DialOptions, error) {
	opts := transport.DefaultDialOptions()
	opts.InsecureSkipVerify = p.TLS.InsecureSkipVerify
	opts.ProxyURL = p.Proxy
	opts.ProxyUsername = p.ProxyAuth.Username
	opts.ProxyPassword = p.ProxyAuth.Password

	caPEM, err := cfg.GetEffectiveCAPEM(&p.TLS)
	if err != nil {
		return opts, fmt.Errorf("read CA certificate: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return opts, fmt.Errorf("parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	opts.TLSConfig = tlsCfg
	return opts, nil
}

type healthStatus struct {
	Status        string `json:"status"`
	NodeID        string `json:"node_id"`
	SessionCount  int    `json:"session_count"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

func newHTTPServer(cfg *config.Config, n *node.Node, localID identity.NodeID) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthStatus{
			Status:       "OK",
			NodeID:       localID.String(),
			SessionCount: n.SessionCount(),
		})
	})

	return &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
}
