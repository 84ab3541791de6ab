// karstd - Block Validation Daemon
//
// This daemon provides:
// - Block validation engine with dependency-ordered admission
// - Pluggable consensus (genesis, proof-of-authority)
// - REST API for block submission and validation status
// - WebSocket stream of validation events
// - Prometheus metrics and observability

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/api"
	"github.com/karstchain/karst/pkg/config"
	"github.com/karstchain/karst/pkg/consensus"
	"github.com/karstchain/karst/pkg/executor"
	"github.com/karstchain/karst/pkg/journal"
	"github.com/karstchain/karst/pkg/metrics"
	"github.com/karstchain/karst/pkg/permission"
	"github.com/karstchain/karst/pkg/receipts"
	"github.com/karstchain/karst/pkg/signing"
	"github.com/karstchain/karst/pkg/state"
	"github.com/karstchain/karst/pkg/storage"
)

var (
	// Version info (set by build)
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "karstd",
	Short: "karst block validation daemon",
	Long: `karst daemon - blockchain validator node.

Validates candidate blocks against their ancestors, with pluggable
consensus, on-chain validation rules, transactor permissions, and
deterministic batch re-execution. Provides a REST API, a websocket
stream of validation events, and Prometheus metrics.`,
	Run: runDaemon,
}

var (
	configPath string
	logLevel   string
	keyHex     string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&keyHex, "key", "k", "", "Validator identity private key (hex); generated when omitted")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	log := logger.NewLogger("info")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	level := cfg.Log.Level
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	log = logger.NewLogger(level)

	log.WithFields(logger.Fields{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	}).Info("Starting karst daemon")

	log.WithFields(logger.Fields{
		"api_port":     cfg.API.Port,
		"metrics_port": cfg.Metrics.Port,
		"data_dir":     cfg.Validation.DataDir,
		"workers":      cfg.Validation.Workers,
	}).Info("Configuration loaded")

	if err := os.MkdirAll(cfg.Validation.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("Failed to create data directory")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.ReceiptsDB), 0o755); err != nil {
		log.WithError(err).Fatal("Failed to create receipts directory")
	}

	// Metrics
	var metricsExporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		metricsExporter = metrics.NewExporter(cfg.Metrics.Port, cfg.Metrics.Path)
		go func() {
			if err := metricsExporter.Start(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics exporter stopped")
			}
		}()
	}
	validationMetrics := metrics.NewValidationMetrics(prometheus.DefaultRegisterer)

	// Storage
	blockDB, err := storage.NewLevelDB(cfg.Storage.BlockDB)
	if err != nil {
		log.WithError(err).Fatal("Failed to open block database")
	}
	defer blockDB.Close()

	stateDB, err := storage.NewLevelDB(cfg.Storage.StateDB)
	if err != nil {
		log.WithError(err).Fatal("Failed to open state database")
	}
	defer stateDB.Close()

	blockStore, err := storage.NewBlockStore(blockDB)
	if err != nil {
		log.WithError(err).Fatal("Failed to open block store")
	}
	blockCache := storage.NewBlockCache(blockStore)

	stateStore := state.NewStore(stateDB)
	viewFactory, err := state.NewViewFactory(stateStore)
	if err != nil {
		log.WithError(err).Fatal("Failed to create state view factory")
	}
	settingsFactory := state.NewSettingsViewFactory(viewFactory)

	receiptStore, err := receipts.NewStore(cfg.Storage.ReceiptsDB, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open receipt store")
	}
	defer receiptStore.Close()

	// Identity
	var signer *signing.Signer
	if keyHex != "" {
		signer, err = signing.FromHex(keyHex)
	} else {
		signer, err = signing.NewSigner()
	}
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize validator identity")
	}
	log.WithField("public_key", signer.PublicKeyHex()).Info("Validator identity ready")

	// Consensus
	registry := consensus.NewRegistry(log)
	for _, module := range []journal.ConsensusModule{
		consensus.NewGenesisModule(),
		consensus.NewAuthorityModule(),
	} {
		if err := registry.Register(module); err != nil {
			log.WithError(err).Fatal("Failed to register consensus module")
		}
	}

	// Validation engine
	engine, err := journal.NewBlockValidator(
		journal.Config{
			DataDir:        cfg.Validation.DataDir,
			ConfigDir:      cfg.Validation.ConfigDir,
			Workers:        cfg.Validation.Workers,
			MaxHeadRetries: cfg.Validation.MaxHeadRetries,
		},
		journal.Components{
			BlockCache:          blockCache,
			StateViewFactory:    viewFactory,
			SettingsViewFactory: settingsFactory,
			Executor:            executor.NewSerialExecutor(log),
			SquashHandler:       stateStore.SquashHandler(),
			IdentitySigner:      signer,
			PermissionVerifier:  permission.NewSettingsVerifier(settingsFactory, log),
			Consensus:           registry,
			Metrics:             validationMetrics,
			Log:                 log,
		})
	if err != nil {
		log.WithError(err).Fatal("Failed to create validation engine")
	}

	// API
	var apiServer *api.Server
	onValidated := func(block *journal.Block) {
		if block.Status() == journal.StatusValid {
			if err := receiptStore.SaveBlockReceipts(block); err != nil {
				log.WithError(err).WithField("block", block.String()).
					Error("Failed to save block receipts")
			}
		}
		apiServer.Hub().BroadcastValidation(block)
		log.WithFields(logger.Fields{
			"block":  block.String(),
			"status": block.Status().String(),
		}).Info("Block validation completed")
	}
	apiServer = api.NewServer(cfg.API, engine, blockCache, onValidated, log)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("API server stopped")
		}
	}()

	log.Info("karst daemon is running")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutting down")

	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
	if metricsExporter != nil {
		if err := metricsExporter.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Metrics exporter shutdown failed")
		}
	}

	log.Info("karst daemon stopped")
}
