package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// ClientName represents a named eventbus client.
type ClientName string

const (
	// ClientHub is the Home Assistant hub client.
	ClientHub ClientName = "hub"

	// ClientController is the HVAC controller.
	ClientController ClientName = "controller"

	// ClientWeb is the web server.
	ClientWeb ClientName = "web"

	// ClientHomeKit is the HomeKit bridge.
	ClientHomeKit ClientName = "homekit"

	// ClientMetrics is the metrics collector.
	ClientMetrics ClientName = "metrics"
)

// Bus manages the eventbus and named clients.
type Bus struct {
	bus     *eventbus.Bus
	clients map[ClientName]*eventbus.Client
	mu      sync.RWMutex
	logger  *zap.Logger

	lastTemp *TemperatureEvent // for deduplication
	tempMu   sync.Mutex        // protects lastTemp
}

// New creates a new eventbus with named clients.
func New(logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	b := &Bus{
		bus:     eventbus.New(),
		clients: make(map[ClientName]*eventbus.Client),
		logger:  logger,
	}

	for _, name := range []ClientName{
		ClientHub,
		ClientController,
		ClientWeb,
		ClientHomeKit,
		ClientMetrics,
	} {
		b.clients[name] = b.bus.Client(string(name))
	}

	logger.Info("eventbus initialized",
		zap.Int("client_count", len(b.clients)),
	)

	return b, nil
}

// Client returns the eventbus client for the given name.
func (b *Bus) Client(name ClientName) (*eventbus.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	client, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %q not found", name)
	}

	return client, nil
}

// PublishTemperature publishes a temperature event with deduplication.
// If the observation is identical to the last published one (ignoring
// timestamp and source), it is skipped.
func (b *Bus) PublishTemperature(client *eventbus.Client, event TemperatureEvent) {
	b.tempMu.Lock()
	defer b.tempMu.Unlock()

	if b.lastTemp != nil && event.Equals(*b.lastTemp) {
		b.logger.Debug("skipping duplicate temperature event",
			zap.Float64("indoor", event.Indoor),
			zap.Float64("outdoor", event.Outdoor),
		)
		return
	}

	b.logger.Debug("publishing temperature event",
		zap.String("source", event.Source),
		zap.Float64("indoor", event.Indoor),
		zap.Float64("outdoor", event.Outdoor),
	)

	publisher := eventbus.Publish[TemperatureEvent](client)
	defer publisher.Close()
	publisher.Publish(event)

	b.lastTemp = &event
}

// PublishModeChange publishes a mode change event.
func (b *Bus) PublishModeChange(client *eventbus.Client, event ModeChangeEvent) {
	b.logger.Debug("publishing mode change event",
		zap.String("state", event.State),
		zap.String("mode", event.Mode),
	)

	publisher := eventbus.Publish[ModeChangeEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishConnectionStatus publishes a connection status event.
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, event ConnectionStatusEvent) {
	b.logger.Debug("publishing connection status event",
		zap.String("component", event.Component),
		zap.String("status", string(event.Status)),
	)

	publisher := eventbus.Publish[ConnectionStatusEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// Close gracefully shuts down the eventbus.
func (b *Bus) Close() error {
	b.logger.Info("shutting down eventbus")

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, client := range b.clients {
		client.Close()
		delete(b.clients, name)
	}

	b.logger.Info("eventbus shut down complete")
	return nil
}
