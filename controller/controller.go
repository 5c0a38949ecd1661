// Package controller connects the hub event stream to the HVAC decision
// engine and fans commands out to the configured climate entities.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/events"
	"github.com/kradalby/hag/hub"
	"github.com/kradalby/hag/hvac"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const (
	// defaultTickInterval is the periodic safety-net evaluation interval.
	defaultTickInterval = 5 * time.Minute

	// evaluationRetryDelay is used after a failed periodic evaluation.
	evaluationRetryDelay = 60 * time.Second

	// outdoorFallbackC substitutes a lost outdoor sensor. The value sits
	// near the auto-mode midpoint so it biases toward no operation.
	outdoorFallbackC = 20.0
)

// ErrNotRunning is returned when a public operation is called on a
// stopped controller.
var ErrNotRunning = errors.New("controller is not running")

// Controller drives the decision engine from hub events and a periodic
// tick, and executes the resulting command plans.
type Controller struct {
	cfg       *config.Config
	logger    *zap.Logger
	bus       *events.Bus
	busClient *eventbus.Client
	hub       *hub.Client
	machine   *hvac.Machine
	clock     clockwork.Clock

	// evalMu serializes evaluations so the state machine sees a
	// consistent sequence of transitions.
	evalMu sync.Mutex

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller.
func New(cfg *config.Config, hubClient *hub.Client, machine *hvac.Machine, logger *zap.Logger, bus *events.Bus, clock clockwork.Clock) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if hubClient == nil {
		return nil, fmt.Errorf("hub client is required")
	}
	if machine == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	busClient, err := bus.Client(events.ClientController)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		busClient: busClient,
		hub:       hubClient,
		machine:   machine,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info("hvac controller created",
		zap.String("temp_sensor", cfg.Hvac.TempSensor),
		zap.String("system_mode", string(cfg.Hvac.SystemMode)),
		zap.Int("entities", len(cfg.Hvac.Entities)),
	)

	return c, nil
}

// Start connects to the hub, subscribes to state changes, starts the
// periodic tick, and triggers one immediate evaluation. Idempotent.
// Partial failures stop the controller before propagating.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("controller already running")
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("starting hvac controller")

	if err := c.hub.Connect(ctx); err != nil {
		_ = c.Stop()
		return fmt.Errorf("failed to connect to hub: %w", err)
	}

	if err := c.hub.SubscribeEvents("state_changed"); err != nil {
		_ = c.Stop()
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	c.hub.OnEvent("state_changed", c.handleStateChange)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.tickLoop()

	// Initial evaluation so the system settles without waiting for the
	// first sensor event.
	if err := c.periodicEvaluation(); err != nil {
		c.logger.Warn("initial evaluation failed", zap.Error(err))
	}

	c.logger.Info("hvac controller started")
	return nil
}

// Stop cancels the tick task and disconnects from the hub. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	if wasRunning {
		c.logger.Info("stopping hvac controller")
	}

	c.cancel()
	c.wg.Wait()

	if err := c.hub.Disconnect(); err != nil {
		c.logger.Warn("error disconnecting from hub", zap.Error(err))
	}

	if wasRunning {
		c.logger.Info("hvac controller stopped")
	}
	return nil
}

// Running reports whether the controller has been started and not yet
// stopped.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// TriggerEvaluation runs one full evaluation on demand, fetching both
// sensors over REST.
func (c *Controller) TriggerEvaluation() error {
	if !c.Running() {
		return ErrNotRunning
	}

	c.logger.Info("manual evaluation triggered")
	return c.periodicEvaluation()
}

// handleStateChange processes a state_changed event from the hub. Only
// changes of the configured indoor temperature sensor qualify.
func (c *Controller) handleStateChange(event hub.Event) {
	change, err := event.StateChange()
	if err != nil {
		c.logger.Debug("ignoring unparseable state change", zap.Error(err))
		return
	}

	if change.EntityID != c.cfg.Hvac.TempSensor {
		return
	}

	if change.NewState == nil {
		c.logger.Warn("temperature sensor state change with no new state",
			zap.String("entity_id", change.EntityID),
		)
		return
	}

	indoor, err := change.NewState.NumericState()
	if err != nil {
		c.logger.Warn("temperature sensor has non-numeric state",
			zap.String("entity_id", change.EntityID),
			zap.String("state", change.NewState.State),
		)
		return
	}

	c.logger.Debug("processing temperature sensor change",
		zap.String("entity_id", change.EntityID),
		zap.Float64("indoor", indoor),
	)

	outdoor := c.fetchOutdoor()
	c.evaluateAndDispatch("event", indoor, outdoor)
}

// fetchOutdoor reads the outdoor sensor over REST. On any failure a
// neutral 20.0 °C is substituted so outdoor-sensor loss cannot pin the
// system in a non-operational state.
func (c *Controller) fetchOutdoor() float64 {
	state, err := c.hub.GetState(c.ctx, c.cfg.Hvac.OutdoorSensor)
	if err != nil {
		c.logger.Warn("failed to fetch outdoor sensor, substituting neutral value",
			zap.String("entity_id", c.cfg.Hvac.OutdoorSensor),
			zap.Float64("fallback", outdoorFallbackC),
			zap.Error(err),
		)
		return outdoorFallbackC
	}

	outdoor, err := state.NumericState()
	if err != nil {
		c.logger.Warn("outdoor sensor has non-numeric state, substituting neutral value",
			zap.String("entity_id", c.cfg.Hvac.OutdoorSensor),
			zap.String("state", state.State),
			zap.Float64("fallback", outdoorFallbackC),
		)
		return outdoorFallbackC
	}

	return outdoor
}

// tickLoop re-evaluates periodically as a safety net against missed
// events. A failed evaluation is retried after a shorter delay.
func (c *Controller) tickLoop() {
	defer c.wg.Done()

	c.logger.Info("starting periodic evaluation loop",
		zap.Duration("interval", defaultTickInterval),
	)

	delay := defaultTickInterval
	for {
		select {
		case <-c.clock.After(delay):
		case <-c.ctx.Done():
			c.logger.Info("periodic evaluation loop stopped")
			return
		}

		if err := c.periodicEvaluation(); err != nil {
			c.logger.Error("periodic evaluation failed",
				zap.Duration("retry_in", evaluationRetryDelay),
				zap.Error(err),
			)
			delay = evaluationRetryDelay
		} else {
			delay = defaultTickInterval
		}
	}
}

// periodicEvaluation fetches both sensors over REST and evaluates.
func (c *Controller) periodicEvaluation() error {
	state, err := c.hub.GetState(c.ctx, c.cfg.Hvac.TempSensor)
	if err != nil {
		return fmt.Errorf("failed to fetch indoor sensor: %w", err)
	}

	indoor, err := state.NumericState()
	if err != nil {
		// Invalid observation: log and skip, the next tick will retry.
		c.logger.Warn("indoor sensor has non-numeric state",
			zap.String("entity_id", c.cfg.Hvac.TempSensor),
			zap.String("state", state.State),
		)
		return nil
	}

	outdoor := c.fetchOutdoor()
	c.evaluateAndDispatch("tick", indoor, outdoor)
	return nil
}

// evaluateAndDispatch feeds one observation into the state machine and
// executes the resulting command plan. Evaluations are serialized; a
// fan-out completes before the next evaluation begins.
func (c *Controller) evaluateAndDispatch(source string, indoor, outdoor float64) {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	now := c.clock.Now().Local()
	hour := now.Hour()
	weekday := now.Weekday()
	isWeekday := weekday != time.Saturday && weekday != time.Sunday

	previous := c.machine.State()

	c.machine.UpdateConditions(indoor, outdoor, hour, isWeekday)
	plan, ok := c.machine.Evaluate()

	c.bus.PublishTemperature(c.busClient, events.TemperatureEvent{
		Timestamp: now,
		Source:    source,
		Indoor:    indoor,
		Outdoor:   outdoor,
		Hour:      hour,
		IsWeekday: isWeekday,
	})

	if !ok {
		return
	}

	c.bus.PublishModeChange(c.busClient, events.ModeChangeEvent{
		Timestamp:     now,
		PreviousState: previous.String(),
		State:         c.machine.State().String(),
		Mode:          string(plan.Mode),
		Setpoint:      plan.Setpoint,
		PresetMode:    plan.PresetMode,
		Indoor:        indoor,
		Outdoor:       outdoor,
	})

	c.dispatch(plan)
}

// dispatch fans the command plan out to every enabled entity in
// declaration order. A failure on one entity is logged and does not
// abort the remaining entities; the state machine is not rolled back,
// the next evaluation re-issues commands.
func (c *Controller) dispatch(plan hvac.CommandPlan) {
	for _, entity := range c.cfg.Hvac.Entities {
		if !entity.Enabled {
			continue
		}

		if err := c.hub.CallService("climate", "set_hvac_mode", map[string]any{
			"entity_id": entity.EntityID,
			"hvac_mode": string(plan.Mode),
		}); err != nil {
			c.logger.Error("failed to set hvac mode",
				zap.String("entity_id", entity.EntityID),
				zap.String("mode", string(plan.Mode)),
				zap.Error(err),
			)
			continue
		}

		if plan.Mode == hvac.ModeOff {
			continue
		}

		if err := c.hub.CallService("climate", "set_temperature", map[string]any{
			"entity_id":   entity.EntityID,
			"temperature": plan.Setpoint,
		}); err != nil {
			c.logger.Error("failed to set temperature",
				zap.String("entity_id", entity.EntityID),
				zap.Float64("temperature", plan.Setpoint),
				zap.Error(err),
			)
			continue
		}

		if err := c.hub.CallService("climate", "set_preset_mode", map[string]any{
			"entity_id":   entity.EntityID,
			"preset_mode": plan.PresetMode,
		}); err != nil {
			c.logger.Error("failed to set preset mode",
				zap.String("entity_id", entity.EntityID),
				zap.String("preset_mode", plan.PresetMode),
				zap.Error(err),
			)
		}
	}
}

// Status is a snapshot of the controller and the decision engine.
type Status struct {
	Running      bool        `json:"running"`
	HubConnected bool        `json:"hub_connected"`
	TempSensor   string      `json:"temp_sensor"`
	SystemMode   string      `json:"system_mode"`
	StateMachine hvac.Status `json:"state_machine"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Status returns a snapshot for the dashboard and the status API.
func (c *Controller) Status() Status {
	c.evalMu.Lock()
	machineStatus := c.machine.Status()
	c.evalMu.Unlock()

	return Status{
		Running:      c.Running(),
		HubConnected: c.hub.Connected(),
		TempSensor:   c.cfg.Hvac.TempSensor,
		SystemMode:   string(c.cfg.Hvac.SystemMode),
		StateMachine: machineStatus,
		Timestamp:    c.clock.Now(),
	}
}
