// Package homekit exposes the HVAC controller as a HomeKit thermostat.
package homekit

import (
	"context"
	"fmt"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/events"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// HomeKit heating/cooling state codes.
const (
	hapStateOff  = 0
	hapStateHeat = 1
	hapStateCool = 2
)

// Server manages the HomeKit HAP server and accessory. The accessory is
// a read-only mirror of the controller: the automation owns the mode,
// remote changes are overwritten on the next evaluation.
type Server struct {
	settings  *config.Settings
	logger    *zap.Logger
	bus       *events.Bus
	client    *eventbus.Client
	server    *hap.Server
	accessory *accessory.Thermostat
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new HomeKit server.
func New(settings *config.Settings, logger *zap.Logger, bus *events.Bus) (*Server, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	client, err := bus.Client(events.ClientHomeKit)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	s := &Server{
		settings: settings,
		logger:   logger,
		bus:      bus,
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
	}

	info := accessory.Info{
		Name:         "HAG HVAC",
		Manufacturer: "HAG",
		Model:        "HVAC Controller",
		SerialNumber: "hag-1",
	}

	s.accessory = accessory.NewThermostat(info)

	s.accessory.Thermostat.TargetTemperature.SetMinValue(10.0)
	s.accessory.Thermostat.TargetTemperature.SetMaxValue(30.0)
	s.accessory.Thermostat.TargetTemperature.SetStepValue(0.5)
	s.accessory.Thermostat.TargetTemperature.SetValue(21.0)

	s.server, err = hap.NewServer(
		hap.NewFsStore(settings.HAPStoragePath),
		s.accessory.A,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create HAP server: %w", err)
	}

	s.server.Pin = settings.HAPPin
	s.server.Addr = fmt.Sprintf(":%d", settings.HAPPort)

	logger.Info("homekit server created",
		zap.String("name", info.Name),
		zap.String("pin", settings.HAPPin),
		zap.Int("port", settings.HAPPort),
	)

	return s, nil
}

// Start starts the HomeKit server and begins handling events.
func (s *Server) Start() error {
	s.logger.Info("starting homekit server")

	go s.handleUpdates()

	// Remote changes are not commands, the automation owns the mode.
	s.accessory.Thermostat.TargetHeatingCoolingState.OnValueRemoteUpdate(func(state int) {
		s.logger.Warn("mode changed via HomeKit, will be overwritten on next evaluation",
			zap.Int("state", state),
		)
	})

	go func() {
		if err := s.server.ListenAndServe(s.ctx); err != nil {
			s.logger.Error("HAP server error", zap.Error(err))
		}
	}()

	s.publishConnectionStatus(events.ConnectionStatusConnected, "")

	s.logger.Info("homekit server started successfully")
	return nil
}

// handleUpdates subscribes to controller events and mirrors them onto
// the accessory.
func (s *Server) handleUpdates() {
	tempSub := eventbus.Subscribe[events.TemperatureEvent](s.client)
	defer tempSub.Close()
	modeSub := eventbus.Subscribe[events.ModeChangeEvent](s.client)
	defer modeSub.Close()

	s.logger.Info("subscribed to controller events")

	for {
		select {
		case event := <-tempSub.Events():
			s.accessory.Thermostat.CurrentTemperature.SetValue(event.Indoor)
		case event := <-modeSub.Events():
			s.updateAccessory(event)
		case <-s.ctx.Done():
			s.logger.Info("stopping homekit update handler")
			return
		}
	}
}

// updateAccessory mirrors a mode change onto the accessory.
func (s *Server) updateAccessory(event events.ModeChangeEvent) {
	s.logger.Debug("updating accessory from mode change",
		zap.String("state", event.State),
		zap.String("mode", event.Mode),
		zap.Float64("setpoint", event.Setpoint),
	)

	s.accessory.Thermostat.CurrentTemperature.SetValue(event.Indoor)

	if event.Setpoint > 0 {
		s.accessory.Thermostat.TargetTemperature.SetValue(event.Setpoint)
	}

	var state int
	switch event.Mode {
	case "heat":
		state = hapStateHeat
	case "cool":
		state = hapStateCool
	case "off":
		state = hapStateOff
	default:
		s.logger.Warn("unknown mode", zap.String("mode", event.Mode))
		return
	}

	_ = s.accessory.Thermostat.CurrentHeatingCoolingState.SetValue(state)
	_ = s.accessory.Thermostat.TargetHeatingCoolingState.SetValue(state)
}

// publishConnectionStatus publishes a connection status event.
func (s *Server) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	event := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "homekit",
		Status:    status,
		Error:     errMsg,
	}
	s.bus.PublishConnectionStatus(s.client, event)
}

// Close gracefully shuts down the HomeKit server.
func (s *Server) Close() error {
	s.logger.Info("shutting down homekit server")

	s.publishConnectionStatus(events.ConnectionStatusDisconnected, "")

	s.cancel()

	// The server stops when the context is cancelled

	s.logger.Info("homekit server shut down complete")
	return nil
}
