// Package hub provides the Home Assistant client: a WebSocket connection
// for events and service calls, and a REST session for state reads.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/events"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const (
	restTimeout         = 30 * time.Second
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 60 * time.Second
)

// handshakeTimeout bounds the WebSocket upgrade and both auth reads.
// Variable so tests can shorten it.
var handshakeTimeout = 10 * time.Second

// EventHandler is invoked for each matching incoming event, in
// registration order, on the receive goroutine.
type EventHandler func(Event)

// Client manages the persistent connection to the Home Assistant hub.
type Client struct {
	cfg       config.HassOptions
	logger    *zap.Logger
	bus       *events.Bus
	busClient *eventbus.Client
	clock     clockwork.Clock
	rest      *resty.Client

	// mu guards conn, msgID, running, reconnectNum, and subscriptions.
	// It also serializes WebSocket writes; gorilla connections allow
	// only one concurrent writer.
	mu            sync.Mutex
	conn          *websocket.Conn
	msgID         int64
	running       bool
	reconnectNum  int
	subscriptions []string

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new hub client.
func New(cfg config.HassOptions, logger *zap.Logger, bus *events.Bus, clock clockwork.Clock) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	busClient, err := bus.Client(events.ClientHub)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		busClient: busClient,
		clock:     clock,
		rest: resty.New().
			SetBaseURL(cfg.RestURL).
			SetAuthToken(cfg.Token).
			SetTimeout(restTimeout),
		handlers: make(map[string][]EventHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("hub client created",
		zap.String("ws_url", cfg.WSURL),
		zap.String("rest_url", cfg.RestURL),
	)

	return c, nil
}

// Connect opens the WebSocket, performs the auth handshake, and starts
// the receive loop. The initial connect is retried up to MaxRetries with
// a fixed delay; an authentication rejection is fatal immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("already connected to hub")
		return nil
	}
	c.mu.Unlock()

	c.publishConnectionStatus(events.ConnectionStatusConnecting, "")

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		conn, err := c.dialAndAuthenticate(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.msgID = 0
			c.running = true
			c.reconnectNum = 0
			c.mu.Unlock()

			c.wg.Add(1)
			go c.receiveLoop(conn)

			c.publishConnectionStatus(events.ConnectionStatusConnected, "")
			c.logger.Info("connected to hub")
			return nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.publishConnectionStatus(events.ConnectionStatusFailed, err.Error())
			return err
		}

		lastErr = err
		c.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Error(err),
		)

		if attempt < c.cfg.MaxRetries {
			select {
			case <-c.clock.After(c.cfg.RetryDelay.Std()):
			case <-ctx.Done():
				return &NetworkError{Op: "connect", Err: ctx.Err()}
			}
		}
	}

	c.publishConnectionStatus(events.ConnectionStatusFailed, lastErr.Error())
	return &ConnectError{Attempts: c.cfg.MaxRetries, Err: lastErr}
}

// dialAndAuthenticate opens a WebSocket and runs the challenge/response
// handshake: receive auth_required, send the bearer token, expect auth_ok.
func (c *Client) dialAndAuthenticate(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}

	// A peer that accepts the upgrade but never speaks must not wedge
	// the dial; the deadline is cleared again on auth_ok.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var challenge serverMessage
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "handshake", Err: err}
	}
	if challenge.Type != "auth_required" {
		conn.Close()
		return nil, &NetworkError{Op: "handshake", Err: fmt.Errorf("unexpected message type %q", challenge.Type)}
	}

	if err := conn.WriteJSON(authMessage{Type: "auth", AccessToken: c.cfg.Token}); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "auth", Err: err}
	}

	var response serverMessage
	if err := conn.ReadJSON(&response); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "auth", Err: err}
	}

	switch response.Type {
	case "auth_ok":
		_ = conn.SetReadDeadline(time.Time{})
		c.logger.Debug("websocket authentication successful")
		return conn, nil
	case "auth_invalid":
		conn.Close()
		return nil, &AuthError{Message: response.Message}
	default:
		conn.Close()
		return nil, &NetworkError{Op: "auth", Err: fmt.Errorf("unexpected message type %q", response.Type)}
	}
}

// Connected reports whether the client currently holds an open socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// GetState fetches an entity state over REST. The configured rest_url
// carries the /api prefix. REST errors are never retried here; the
// caller decides.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State

	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&state).
		Get("/states/" + entityID)
	if err != nil {
		return nil, &NetworkError{Op: "get_state", Err: err}
	}

	switch resp.StatusCode() {
	case 200:
		return &state, nil
	case 404:
		return nil, &NotFoundError{EntityID: entityID}
	default:
		return nil, &HubError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
}

// CallService sends a call_service frame. It returns once the send
// completes; per-call responses are not awaited (fire-and-observe).
func (c *Client) CallService(domain, service string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return &StateError{Op: "call_service"}
	}

	c.msgID++
	msg := serviceCallMessage{
		ID:          c.msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	c.logger.Debug("calling service",
		zap.String("domain", domain),
		zap.String("service", service),
		zap.Int64("message_id", msg.ID),
	)

	if err := c.conn.WriteJSON(msg); err != nil {
		return &NetworkError{Op: "call_service", Err: err}
	}

	return nil
}

// SubscribeEvents subscribes to one event type, or all events when
// eventType is empty. Subscriptions are resumed after a reconnect.
func (c *Client) SubscribeEvents(eventType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return &StateError{Op: "subscribe_events"}
	}

	if err := c.sendSubscribeLocked(eventType); err != nil {
		return err
	}

	c.subscriptions = append(c.subscriptions, eventType)
	return nil
}

// sendSubscribeLocked writes a subscribe_events frame. Caller holds mu.
func (c *Client) sendSubscribeLocked(eventType string) error {
	c.msgID++
	msg := subscribeMessage{
		ID:        c.msgID,
		Type:      "subscribe_events",
		EventType: eventType,
	}

	c.logger.Debug("subscribing to events",
		zap.String("event_type", eventType),
		zap.Int64("message_id", msg.ID),
	)

	if err := c.conn.WriteJSON(msg); err != nil {
		return &NetworkError{Op: "subscribe_events", Err: err}
	}

	return nil
}

// OnEvent registers a handler for an event type. Handlers run in
// registration order; a panicking handler does not terminate the receive
// loop.
func (c *Client) OnEvent(eventType string, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers[eventType] = append(c.handlers[eventType], handler)

	c.logger.Debug("added event handler",
		zap.String("event_type", eventType),
	)
}

// receiveLoop reads frames until the socket closes or the client stops.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	c.logger.Debug("starting websocket receive loop")

	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			lost := c.running && c.ctx.Err() == nil
			c.mu.Unlock()

			if lost {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			break
		}

		if msg.Type == "event" && msg.Event != nil {
			c.dispatch(*msg.Event)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	lost := c.running && c.ctx.Err() == nil
	c.mu.Unlock()

	if lost {
		c.logger.Warn("websocket connection lost, reconnecting")
		c.publishConnectionStatus(events.ConnectionStatusReconnecting, "")
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// dispatch invokes every registered handler for the event type, in
// registration order, recovering panics so the loop survives.
func (c *Client) dispatch(event Event) {
	c.handlersMu.RLock()
	handlers := c.handlers[event.EventType]
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked",
						zap.String("event_type", event.EventType),
						zap.Any("panic", r),
					)
				}
			}()
			handler(event)
		}()
	}
}

// reconnectLoop re-establishes the connection with exponential backoff,
// resumes subscriptions, and restarts the receive loop. Message ids are
// per-connection and reset here. Authentication rejections are logged at
// error level on every attempt but retried; transient errors retry
// indefinitely while the client runs.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	backoff := reconnectBackoffMin

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dialAndAuthenticate(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.msgID = 0
			c.reconnectNum++
			attempts := c.reconnectNum
			subs := append([]string(nil), c.subscriptions...)

			var subErr error
			for _, eventType := range subs {
				if subErr = c.sendSubscribeLocked(eventType); subErr != nil {
					break
				}
			}
			c.mu.Unlock()

			if subErr != nil {
				c.logger.Warn("failed to resume subscriptions", zap.Error(subErr))
				conn.Close()
				continue
			}

			c.wg.Add(1)
			go c.receiveLoop(conn)

			// The Connected event carries the attempt count; reset it
			// only after publishing.
			c.publishConnectionStatus(events.ConnectionStatusConnected, "")
			c.mu.Lock()
			c.reconnectNum = 0
			c.mu.Unlock()

			c.logger.Info("reconnected to hub", zap.Int("attempts", attempts))
			return
		}

		c.mu.Lock()
		c.reconnectNum++
		attempt := c.reconnectNum
		c.mu.Unlock()

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.logger.Error("authentication rejected during reconnect",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			c.logger.Warn("reconnection attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}

		select {
		case <-c.clock.After(backoff):
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Disconnect cancels the receive and reconnect tasks and closes the
// socket. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.logger.Info("disconnecting from hub")

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.publishConnectionStatus(events.ConnectionStatusDisconnected, "")
	c.logger.Info("hub client disconnected")
	return nil
}

func (c *Client) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	c.mu.Lock()
	reconnects := c.reconnectNum
	c.mu.Unlock()

	c.bus.PublishConnectionStatus(c.busClient, events.ConnectionStatusEvent{
		Timestamp:  time.Now(),
		Component:  "hub",
		Status:     status,
		Error:      errMsg,
		Reconnects: reconnects,
	})
}
