// HAG HVAC automation controller - Main application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/controller"
	"github.com/kradalby/hag/events"
	"github.com/kradalby/hag/homekit"
	"github.com/kradalby/hag/hub"
	"github.com/kradalby/hag/hvac"
	"github.com/kradalby/hag/logging"
	"github.com/kradalby/hag/metrics"
	"github.com/kradalby/hag/web"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load process settings from the environment
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Setup logger
	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Load the HVAC policy file
	configPath := settings.ConfigFile
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("starting hag",
		zap.String("config_file", configPath),
		zap.String("log_level", settings.LogLevel),
		zap.String("log_format", settings.LogFormat),
		zap.String("system_mode", string(cfg.Hvac.SystemMode)),
		zap.Int("web_port", settings.WebPort),
		zap.Bool("homekit_enabled", settings.HomeKitEnabled),
	)

	// Initialize EventBus
	logger.Info("initializing eventbus")
	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create eventbus: %w", err)
	}
	defer func() {
		logger.Info("closing eventbus")
		_ = bus.Close()
	}()

	clock := clockwork.NewRealClock()

	// Initialize hub client
	logger.Info("initializing hub client")
	hubClient, err := hub.New(cfg.Hass, logger, bus, clock)
	if err != nil {
		return fmt.Errorf("failed to create hub client: %w", err)
	}

	// Initialize decision engine and controller
	machine := hvac.NewMachine(cfg.Hvac, clock, logger)

	logger.Info("initializing hvac controller")
	ctrl, err := controller.New(cfg, hubClient, machine, logger, bus, clock)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer func() {
		logger.Info("stopping hvac controller")
		_ = ctrl.Stop()
	}()

	// Initialize metrics collector
	logger.Info("initializing metrics collector")
	collector, err := metrics.New(logger, bus, nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	defer func() {
		logger.Info("closing metrics collector")
		_ = collector.Close()
	}()

	// Initialize web server
	logger.Info("initializing web server")
	webServer, err := web.New(settings, ctrl, logger, bus)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	defer func() {
		logger.Info("closing web server")
		_ = webServer.Close()
	}()

	// Initialize HomeKit server when enabled
	var homekitServer *homekit.Server
	if settings.HomeKitEnabled {
		logger.Info("initializing homekit server")
		homekitServer, err = homekit.New(settings, logger, bus)
		if err != nil {
			return fmt.Errorf("failed to create homekit server: %w", err)
		}
		defer func() {
			logger.Info("closing homekit server")
			_ = homekitServer.Close()
		}()
	}

	// Start all services
	logger.Info("starting services")

	if err := collector.Start(); err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}

	if err := webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	if homekitServer != nil {
		if err := homekitServer.Start(); err != nil {
			return fmt.Errorf("failed to start homekit server: %w", err)
		}
	}

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	logger.Info("hag started successfully",
		zap.Int("web_port", settings.WebPort),
	)
	logger.Info("web interface",
		zap.String("url", fmt.Sprintf("http://localhost:%d", settings.WebPort)),
	)
	if homekitServer != nil {
		logger.Info("homekit pairing",
			zap.String("pin", settings.HAPPin),
			zap.String("instructions", "Use the Home app to add accessory with PIN"),
		)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal",
		zap.String("signal", sig.String()),
	)

	// The deferred closers run in reverse initialization order.
	logger.Info("shutting down gracefully")

	return nil
}
