package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markhive/markhive/pkg/api"
	"github.com/markhive/markhive/pkg/broker"
	"github.com/markhive/markhive/pkg/client"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
	"github.com/markhive/markhive/pkg/store"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "markhive",
	Short: "Markhive - real-time bookmark tree synchronization",
	Long: `Markhive keeps a bookmark tree consistent across tabs and devices.

The server fans out tree mutations to connected clients over SSE and
applies batched operation logs idempotently, so offline edits converge
once connectivity returns.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Markhive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(namespacesCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the markhive server",
	Long: `Run the markhive server: HTTP API, per-namespace SSE event
streams and the durable bookmark tree store.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	serverCmd.Flags().Bool("json-log", false, "Log JSON instead of console output")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if jsonLog, _ := cmd.Flags().GetBool("json-log"); jsonLog {
		cfg.Log.JSONOutput = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})
	metrics.SetVersion(Version)

	st, err := store.Open(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()
	metrics.RegisterComponent("store", true, "open")

	br := broker.New(cfg.SSE)
	metrics.RegisterComponent("broker", true, "running")

	srv := api.NewServer(cfg, st, br)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	fmt.Printf("✓ Markhive server listening on %s\n", cfg.Server.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		return fmt.Errorf("server error: %v", err)
	}

	// Graceful drain: the broker sends close frames before the listener
	// stops accepting.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

var namespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List namespaces on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")

		c := client.New(serverURL)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		infos, err := c.ListNamespaces(ctx)
		if err != nil {
			return fmt.Errorf("failed to list namespaces: %v", err)
		}
		if len(infos) == 0 {
			fmt.Println("No namespaces")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\n", info.Namespace, info.RootNodeTitle)
		}
		return nil
	},
}

func init() {
	namespacesCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
}
