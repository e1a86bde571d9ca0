package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrowfs/burrow/pkg/config"
	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/worker"
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
	Use:   "burrow-worker",
	Short: "Burrow worker - memory-centric block store node",
	Long: `The Burrow worker holds a shard of cluster blocks in memory,
registers with the cluster master, and serves block reads and writes to
clients over its control-plane RPC API and data-plane socket.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker node",
	Long: `Start the worker: bind the control-plane and data-plane servers,
register with the cluster master, and serve until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Observability.LogLevel),
			JSONOutput: cfg.Observability.LogFormat == "json",
		})

		p, err := worker.New(cfg)
		if err != nil {
			return fmt.Errorf("worker bootstrap failed: %w", err)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- p.Process() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				log.Logger.Error().Err(err).Msg("worker terminated")
			}
		}

		p.Stop()
		return nil
	},
}

// applyFlags layers explicitly set command-line flags over the loaded
// configuration. Flags win over file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Worker.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("rpc-port") {
		cfg.Worker.RPCPort, _ = cmd.Flags().GetInt("rpc-port")
	}
	if cmd.Flags().Changed("data-port") {
		cfg.Worker.DataPort, _ = cmd.Flags().GetInt("data-port")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Worker.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("capacity-bytes") {
		cfg.Worker.CapacityBytes, _ = cmd.Flags().GetInt64("capacity-bytes")
	}
	if cmd.Flags().Changed("master-addr") {
		cfg.Master.Addr, _ = cmd.Flags().GetString("master-addr")
	}
	if cmd.Flags().Changed("web-addr") {
		cfg.Observability.WebAddr, _ = cmd.Flags().GetString("web-addr")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Observability.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
}

func init() {
	startCmd.Flags().String("config", "", "Path to YAML config file")
	startCmd.Flags().String("host", "", "Host to advertise to the master")
	startCmd.Flags().Int("rpc-port", 0, "Control-plane RPC port (0 = ephemeral)")
	startCmd.Flags().Int("data-port", 0, "Data-plane port (0 = ephemeral)")
	startCmd.Flags().String("data-dir", "", "Directory for worker state")
	startCmd.Flags().Int64("capacity-bytes", 0, "Memory capacity for block storage")
	startCmd.Flags().String("master-addr", "", "Cluster master address")
	startCmd.Flags().String("web-addr", "", "Debug HTTP listen address")
	startCmd.Flags().String("log-level", "", "Log level (trace|debug|info|warn|error)")
}
