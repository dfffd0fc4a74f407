package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/connection"
	"github.com/0xferrous/eventsync/internal/decoder"
	"github.com/0xferrous/eventsync/internal/listener"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/internal/server"
	"github.com/0xferrous/eventsync/internal/storage"
	"github.com/0xferrous/eventsync/internal/syncer"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the ingestion pipeline together: one connection manager,
// one store, the historical syncer, the realtime listener, and the HTTP
// read surface.
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	metrics    *metrics.Manager
	store      storage.Store
	registry   *registry.Registry
	decoder    *decoder.Decoder
	connection *connection.Manager
	tracker    *syncer.Tracker
	syncer     *syncer.Syncer
	listener   *listener.Listener
	server     *server.HTTPServer
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")

	return nil
}

func (app *Application) initializeComponents() error {
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initializeRegistry(); err != nil {
		return fmt.Errorf("failed to initialize contract registry: %w", err)
	}
	if err := app.initializeConnection(); err != nil {
		return fmt.Errorf("failed to initialize connection: %w", err)
	}
	if err := app.initializeSync(); err != nil {
		return fmt.Errorf("failed to initialize syncer: %w", err)
	}

	app.listener = listener.New(
		app.connection, app.registry, app.decoder, app.store,
		&app.config.Syncer, listener.WithMetrics(app.metrics.Metrics()))

	app.server = server.NewHTTPServer(
		&app.config.Server, app.store, app.registry, app.connection, app.listener,
		app.config.Addresses, app.metrics)

	app.logger.Info("All components initialized")
	return nil
}

func (app *Application) initializeStorage() error {
	store, err := storage.Open(&app.config.Storage)
	if err != nil {
		return err
	}

	app.store = storage.WithMetrics(store, app.metrics.Metrics())
	app.logger.WithField("type", app.config.Storage.Type).Info("Storage initialized")
	return nil
}

func (app *Application) initializeRegistry() error {
	reg, err := registry.New(app.config.Contracts)
	if err != nil {
		return err
	}

	app.registry = reg
	app.decoder = decoder.New(reg)
	app.metrics.Metrics().UpdateContractsWatched(reg.Len())
	app.logger.WithField("contracts", reg.Len()).Info("Contract registry loaded")
	return nil
}

func (app *Application) initializeConnection() error {
	app.connection = connection.NewManager(
		&app.config.Chain, connection.WithMetrics(app.metrics.Metrics()))

	return app.connection.Connect(app.ctx)
}

func (app *Application) initializeSync() error {
	app.tracker = syncer.NewTracker(app.store, app.metrics.Metrics())

	// Recover passes orphaned by an unclean shutdown before anything can
	// start a new one.
	if _, err := app.tracker.RecoverStuck(app.ctx); err != nil {
		return err
	}
	if err := app.tracker.Seed(app.ctx, app.config.Addresses, app.config.Syncer.StartBlock); err != nil {
		return err
	}

	app.syncer = syncer.New(
		app.connection.GetClient(), app.registry, app.decoder, app.store,
		app.tracker, &app.config.Syncer,
		syncer.WithMetrics(app.metrics.Metrics()),
		syncer.WithRPCTimeout(app.config.Chain.RequestTimeout))
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting eventsync")

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if !app.listener.Start() {
		app.logger.Info("Realtime delivery unavailable, polling covers ingestion")
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.syncer.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.metrics.Run(app.ctx, 15*time.Second)
	}()

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node":           app.config.Chain.HTTPURL,
		"contracts":      app.registry.Len(),
		"addresses":      len(app.config.Addresses),
	}).Info("eventsync started")

	return nil
}

// Stop stops the application gracefully. Intake surfaces go down first,
// then the workers, then the shared resources they were using.
func (app *Application) Stop() error {
	app.logger.Info("Stopping eventsync")

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.listener != nil {
		app.listener.Stop()
	}

	app.cancel()
	app.wg.Wait()

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	app.logger.Info("eventsync stopped")
	return nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "eventsync",
	Short:   "Contract event ingestion and synchronization engine",
	Long:    `Ingests smart contract events over HTTP polling with optional WebSocket push, stores them idempotently, and serves the result over a read-only HTTP API.`,
	Version: AppVersion,
	RunE:    runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping...")

	return app.Stop()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("eventsync %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Node: %s\n", cfg.Chain.HTTPURL)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Contracts: %d\n", len(cfg.Contracts))
		fmt.Printf("Addresses: %d\n", len(cfg.Addresses))

		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Printf("Testing node connection to %s...\n", cfg.Chain.HTTPURL)
		conn := connection.NewManager(&cfg.Chain)
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to node: %w", err)
		}
		defer conn.Close()
		if err := conn.HealthCheck(ctx); err != nil {
			return fmt.Errorf("node health check failed: %w", err)
		}
		fmt.Println("✓ Node connection successful")
		if conn.IsRealtimeCapable() {
			fmt.Println("✓ WebSocket push available")
		} else {
			fmt.Println("- WebSocket push unavailable, polling only")
		}

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := storage.Open(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("storage ping failed: %w", err)
		}
		fmt.Println("✓ Storage connection successful")

		fmt.Printf("Parsing %d contract ABIs...\n", len(cfg.Contracts))
		if _, err := registry.New(cfg.Contracts); err != nil {
			return fmt.Errorf("contract registry failed: %w", err)
		}
		fmt.Println("✓ Contract registry valid")

		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
