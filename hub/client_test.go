package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/events"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const testToken = "test-token"

// fakeHub is a minimal Home Assistant WebSocket endpoint: it runs the
// auth handshake and records every frame the client sends.
type fakeHub struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	frames    chan map[string]any
	connected chan *websocket.Conn

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()

	h := &fakeHub{
		t:         t,
		frames:    make(chan map[string]any, 16),
		connected: make(chan *websocket.Conn, 4),
	}

	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.close)

	return h
}

func (h *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2024.1.0"})

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		conn.Close()
		return
	}

	if auth["access_token"] != testToken {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		conn.Close()
		return
	}

	_ = conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.1.0"})

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	h.connected <- conn

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		h.frames <- frame
	}
}

func (h *fakeHub) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *fakeHub) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-h.connected:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func (h *fakeHub) waitFrame(t *testing.T) map[string]any {
	t.Helper()

	select {
	case frame := <-h.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (h *fakeHub) sendEvent(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal event data: %v", err)
	}

	msg := map[string]any{
		"type": "event",
		"id":   1,
		"event": map[string]any{
			"event_type": eventType,
			"data":       json.RawMessage(raw),
			"origin":     "LOCAL",
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send event: %v", err)
	}
}

func (h *fakeHub) close() {
	h.mu.Lock()
	for _, conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()
	h.srv.Close()
}

func testHassOptions(wsURL string) config.HassOptions {
	return config.HassOptions{
		WSURL:      wsURL,
		RestURL:    "http://127.0.0.1:1/api",
		Token:      testToken,
		MaxRetries: 3,
		RetryDelay: config.Duration(10 * time.Millisecond),
	}
}

func newTestClient(t *testing.T, cfg config.HassOptions) *Client {
	t.Helper()

	bus, err := events.New(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create eventbus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	client, err := New(cfg, zap.NewNop(), bus, nil)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestConnectAndSubscribe(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	if !client.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	hub.waitConn(t)

	if err := client.SubscribeEvents("state_changed"); err != nil {
		t.Fatalf("SubscribeEvents() unexpected error = %v", err)
	}

	frame := hub.waitFrame(t)
	if frame["type"] != "subscribe_events" {
		t.Errorf("frame type = %v, want subscribe_events", frame["type"])
	}
	if frame["event_type"] != "state_changed" {
		t.Errorf("frame event_type = %v, want state_changed", frame["event_type"])
	}
	if frame["id"] != float64(1) {
		t.Errorf("frame id = %v, want 1 (ids are per-connection)", frame["id"])
	}
}

func TestConnectIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() unexpected error = %v", err)
	}
}

func TestConnectAuthInvalid(t *testing.T) {
	hub := newFakeHub(t)

	cfg := testHassOptions(hub.wsURL())
	cfg.Token = "wrong-token"
	client := newTestClient(t, cfg)

	err := client.Connect(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect() error = %v, want AuthError", err)
	}
	if client.Connected() {
		t.Error("Connected() = true after auth failure")
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	// Nothing listens here.
	cfg := testHassOptions("ws://127.0.0.1:1/api/websocket")
	client := newTestClient(t, cfg)

	err := client.Connect(context.Background())

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() error = %v, want ConnectError", err)
	}
	if connErr.Attempts != cfg.MaxRetries {
		t.Errorf("Attempts = %d, want %d", connErr.Attempts, cfg.MaxRetries)
	}
}

func TestEventDispatch(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	received := make(chan Event, 2)
	order := make(chan string, 4)

	// A panicking handler must not stop later handlers or the loop.
	client.OnEvent("state_changed", func(Event) {
		order <- "first"
		panic("boom")
	})
	client.OnEvent("state_changed", func(event Event) {
		order <- "second"
		received <- event
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	conn := hub.waitConn(t)

	hub.sendEvent(t, conn, "state_changed", map[string]any{
		"entity_id": "sensor.indoor",
		"new_state": map[string]any{"entity_id": "sensor.indoor", "state": "20.5"},
	})

	select {
	case event := <-received:
		change, err := event.StateChange()
		if err != nil {
			t.Fatalf("StateChange() unexpected error = %v", err)
		}
		if change.EntityID != "sensor.indoor" {
			t.Errorf("EntityID = %q, want sensor.indoor", change.EntityID)
		}
		value, err := change.NewState.NumericState()
		if err != nil {
			t.Fatalf("NumericState() unexpected error = %v", err)
		}
		if value != 20.5 {
			t.Errorf("NumericState() = %v, want 20.5", value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if got := <-order; got != "first" {
		t.Errorf("handler order[0] = %q, want first", got)
	}
	if got := <-order; got != "second" {
		t.Errorf("handler order[1] = %q, want second", got)
	}
}

func TestCallService(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	hub.waitConn(t)

	if err := client.CallService("climate", "set_hvac_mode", map[string]any{
		"entity_id": "climate.living_room_ac",
		"hvac_mode": "heat",
	}); err != nil {
		t.Fatalf("CallService() unexpected error = %v", err)
	}

	frame := hub.waitFrame(t)
	if frame["type"] != "call_service" {
		t.Errorf("frame type = %v, want call_service", frame["type"])
	}
	if frame["domain"] != "climate" || frame["service"] != "set_hvac_mode" {
		t.Errorf("frame = %v/%v, want climate/set_hvac_mode", frame["domain"], frame["service"])
	}
	if frame["id"] != float64(1) {
		t.Errorf("frame id = %v, want 1", frame["id"])
	}

	// Ids increase monotonically within a connection.
	if err := client.CallService("climate", "set_temperature", map[string]any{
		"entity_id":   "climate.living_room_ac",
		"temperature": 21.0,
	}); err != nil {
		t.Fatalf("CallService() unexpected error = %v", err)
	}

	frame = hub.waitFrame(t)
	if frame["id"] != float64(2) {
		t.Errorf("frame id = %v, want 2", frame["id"])
	}
}

func TestCallServiceWhileDisconnected(t *testing.T) {
	client := newTestClient(t, testHassOptions("ws://127.0.0.1:1/api/websocket"))

	err := client.CallService("climate", "set_hvac_mode", nil)

	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("CallService() error = %v, want StateError", err)
	}
}

func TestReconnectResumesSubscriptions(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	first := hub.waitConn(t)

	if err := client.SubscribeEvents("state_changed"); err != nil {
		t.Fatalf("SubscribeEvents() unexpected error = %v", err)
	}
	hub.waitFrame(t) // subscribe on first connection

	// Server drops the connection; the client reconnects and resumes
	// its subscriptions with a fresh id sequence.
	first.Close()

	hub.waitConn(t)
	frame := hub.waitFrame(t)
	if frame["type"] != "subscribe_events" {
		t.Errorf("frame type = %v, want subscribe_events after reconnect", frame["type"])
	}
	if frame["event_type"] != "state_changed" {
		t.Errorf("frame event_type = %v, want state_changed", frame["event_type"])
	}
	if frame["id"] != float64(1) {
		t.Errorf("frame id = %v, want 1 (reset on reconnect)", frame["id"])
	}
}

func TestReconnectReportsAttempts(t *testing.T) {
	hub := newFakeHub(t)

	bus, err := events.New(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create eventbus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	watcher, err := bus.Client(events.ClientWeb)
	if err != nil {
		t.Fatalf("failed to get eventbus client: %v", err)
	}
	sub := eventbus.Subscribe[events.ConnectionStatusEvent](watcher)
	defer sub.Close()

	client, err := New(testHassOptions(hub.wsURL()), zap.NewNop(), bus, nil)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}
	first := hub.waitConn(t)

	first.Close()
	hub.waitConn(t)

	// The Connected event after the reconnect carries the attempt
	// count; the initial one carries zero.
	deadline := time.After(2 * time.Second)
	sawReconnecting := false
	for {
		select {
		case event := <-sub.Events():
			if event.Status == events.ConnectionStatusReconnecting {
				sawReconnecting = true
				continue
			}
			if !sawReconnecting || event.Status != events.ConnectionStatusConnected {
				continue
			}
			if event.Reconnects != 1 {
				t.Errorf("Reconnects = %d, want 1", event.Reconnects)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for reconnect status events")
		}
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	orig := handshakeTimeout
	handshakeTimeout = 200 * time.Millisecond
	t.Cleanup(func() { handshakeTimeout = orig })

	// Accepts the upgrade but never sends auth_required.
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	cfg := testHassOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.MaxRetries = 1
	client := newTestClient(t, cfg)

	start := time.Now()
	err := client.Connect(context.Background())

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() error = %v, want ConnectError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect() took %v, want the handshake read to time out", elapsed)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	client := newTestClient(t, testHassOptions(hub.wsURL()))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error = %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect() unexpected error = %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() unexpected error = %v", err)
	}
	if client.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
}

func TestGetState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		switch r.URL.Path {
		case "/api/states/sensor.indoor":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"entity_id":"sensor.indoor","state":"20.5","attributes":{"unit_of_measurement":"°C"}}`))
		case "/api/states/sensor.missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	cfg := testHassOptions("ws://127.0.0.1:1/api/websocket")
	cfg.RestURL = srv.URL + "/api"
	client := newTestClient(t, cfg)

	state, err := client.GetState(context.Background(), "sensor.indoor")
	if err != nil {
		t.Fatalf("GetState() unexpected error = %v", err)
	}
	if state.EntityID != "sensor.indoor" || state.State != "20.5" {
		t.Errorf("state = %+v, want sensor.indoor/20.5", state)
	}
	value, err := state.NumericState()
	if err != nil || value != 20.5 {
		t.Errorf("NumericState() = %v, %v, want 20.5", value, err)
	}

	_, err = client.GetState(context.Background(), "sensor.missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("GetState() error = %v, want NotFoundError", err)
	}

	_, err = client.GetState(context.Background(), "sensor.broken")
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("GetState() error = %v, want HubError", err)
	}
	if hubErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", hubErr.StatusCode)
	}
}

func TestNumericStateInvalid(t *testing.T) {
	state := &State{EntityID: "sensor.indoor", State: "unavailable"}

	if _, err := state.NumericState(); err == nil {
		t.Error("NumericState() expected error for non-numeric state")
	}
}
