package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/config"
	"github.com/alexjbarnes/bep-sync/internal/engine"
	"github.com/alexjbarnes/bep-sync/internal/index"
	"github.com/alexjbarnes/bep-sync/internal/logging"
	"github.com/alexjbarnes/bep-sync/internal/mcpserver"
	"github.com/alexjbarnes/bep-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bep-sync",
	Short:        "Peer-to-peer folder sync over the Block Exchange Protocol",
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var deviceIDCmd = &cobra.Command{
	Use:   "device-id",
	Short: "Print this device's id, creating the certificate if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := os.Getenv("STATE_DIR")
		if dir == "" {
			var err error

			dir, err = config.DefaultStateDir()
			if err != nil {
				return err
			}
		}

		id, err := engine.LocalDeviceID(dir)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), id.String())

		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash for MCP_AUTH_USERS",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")

		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			return fmt.Errorf("no input")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(hash))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd, deviceIDCmd, hashPasswordCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	peers, err := cfg.ParsePeers()
	if err != nil {
		return err
	}

	folders, err := cfg.LoadFolders()
	if err != nil {
		return err
	}

	opts := engine.Options{
		StateDir:        cfg.StateDir,
		DeviceName:      cfg.DeviceName,
		ClientVersion:   Version,
		ListenAddr:      cfg.ListenAddr,
		RelayListenAddr: cfg.RelayListenAddr,
		LocalDiscovery:  cfg.LocalDiscovery,
		MaxSendKBps:     cfg.MaxSendKBps,
		Compression:     cfg.Compression,
		Pull: blocks.PullConfig{
			Workers:        cfg.PullWorkers,
			MaxAttempts:    cfg.PullMaxAttempts,
			BackoffBase:    cfg.PullBackoffBase,
			RequestTimeout: cfg.BlockRequestTimeout,
		},
		Index: index.Config{
			BatchSize:   cfg.IndexBatchSize,
			WaitTimeout: cfg.IndexWaitTimeout,
		},
		PingInterval:      cfg.PingInterval,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		ReconnectInterval: cfg.ReconnectCheckInterval,
		ProbeInterval:     cfg.ProbeInterval,
		Logger:            logger,
	}

	for _, p := range peers {
		opts.Peers = append(opts.Peers, engine.Peer{ID: p.ID, Addresses: p.Addresses})
	}

	for _, f := range folders {
		opts.Folders = append(opts.Folders, engine.Folder{
			ID:    f.ID,
			Label: f.Label,
			Path:  f.Path,
			Peers: f.Peers,
			Watch: f.Watch,
		})
	}

	eng, err := engine.New(opts)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	logger.Info("bep-sync starting",
		slog.String("version", Version),
		slog.String("device", eng.DeviceID().String()),
		slog.Int("peers", len(opts.Peers)),
		slog.Int("folders", len(opts.Folders)),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, eng, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("bep-sync stopped")

	return nil
}

func runMCP(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP users: %w", err)
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "bep-sync", Version: Version}, nil)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Users:      users,
			MCPHandler: mcpHandler,
			Logger:     logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("MCP server listening", slog.String("addr", cfg.MCPListenAddr), slog.Int("users", len(users)))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server: %w", err)
	}

	return nil
}
