// Package metrics exposes Prometheus collectors fed from the eventbus.
package metrics

import (
	"context"
	"fmt"

	"github.com/kradalby/hag/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to controller events and keeps the Prometheus
// metrics current. The metrics themselves are served by the web server
// on /metrics.
type Collector struct {
	logger *zap.Logger
	bus    *events.Bus
	client *eventbus.Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	indoorTemp  prometheus.Gauge
	outdoorTemp prometheus.Gauge

	masterState *prometheus.GaugeVec

	evaluationsTotal *prometheus.CounterVec
	modeChangesTotal *prometheus.CounterVec

	hubConnected       prometheus.Gauge
	hubReconnectsTotal prometheus.Counter
}

// New creates a collector and registers its metrics. A nil registerer
// uses the default registry.
func New(logger *zap.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	factory := promauto.With(reg)

	c := &Collector{
		logger: logger,
		bus:    bus,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		indoorTemp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hag_indoor_temperature_celsius",
			Help: "Last observed indoor temperature.",
		}),
		outdoorTemp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hag_outdoor_temperature_celsius",
			Help: "Last observed outdoor temperature.",
		}),
		masterState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hag_hvac_state",
			Help: "Current HVAC state, 1 for the active state and 0 otherwise.",
		}, []string{"state"}),
		evaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hag_evaluations_total",
			Help: "Observations fed into the decision engine, by source.",
		}, []string{"source"}),
		modeChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hag_state_transitions_total",
			Help: "HVAC state transitions.",
		}, []string{"from", "to"}),
		hubConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hag_hub_connected",
			Help: "Whether the hub WebSocket is connected.",
		}),
		hubReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hag_hub_reconnects_total",
			Help: "Successful hub reconnections.",
		}),
	}

	logger.Info("metrics collector created")
	return c, nil
}

// Start begins consuming events.
func (c *Collector) Start() error {
	go c.run()
	return nil
}

func (c *Collector) run() {
	defer close(c.done)

	tempSub := eventbus.Subscribe[events.TemperatureEvent](c.client)
	defer tempSub.Close()
	modeSub := eventbus.Subscribe[events.ModeChangeEvent](c.client)
	defer modeSub.Close()
	connSub := eventbus.Subscribe[events.ConnectionStatusEvent](c.client)
	defer connSub.Close()

	c.logger.Info("metrics collector subscribed to events")

	for {
		select {
		case event := <-tempSub.Events():
			c.handleTemperature(event)
		case event := <-modeSub.Events():
			c.handleModeChange(event)
		case event := <-connSub.Events():
			c.handleConnectionStatus(event)
		case <-c.ctx.Done():
			c.logger.Info("metrics collector stopped")
			return
		}
	}
}

func (c *Collector) handleTemperature(event events.TemperatureEvent) {
	c.indoorTemp.Set(event.Indoor)
	c.outdoorTemp.Set(event.Outdoor)
	c.evaluationsTotal.WithLabelValues(event.Source).Inc()
}

func (c *Collector) handleModeChange(event events.ModeChangeEvent) {
	for _, state := range []string{"Idle", "Heating", "Cooling", "Defrost"} {
		value := 0.0
		if state == event.State {
			value = 1.0
		}
		c.masterState.WithLabelValues(state).Set(value)
	}

	if event.PreviousState != event.State {
		c.modeChangesTotal.WithLabelValues(event.PreviousState, event.State).Inc()
	}
}

func (c *Collector) handleConnectionStatus(event events.ConnectionStatusEvent) {
	if event.Component != "hub" {
		return
	}

	switch event.Status {
	case events.ConnectionStatusConnected:
		c.hubConnected.Set(1)
		if event.Reconnects > 0 {
			c.hubReconnectsTotal.Inc()
		}
	default:
		c.hubConnected.Set(0)
	}
}

// Close stops the event consumer.
func (c *Collector) Close() error {
	c.cancel()
	<-c.done
	return nil
}
