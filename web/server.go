// Package web provides a web interface for monitoring the HVAC
// controller.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/hag/config"
	"github.com/kradalby/hag/controller"
	"github.com/kradalby/hag/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// Controller is the part of the HVAC controller the web server needs.
type Controller interface {
	Status() controller.Status
	TriggerEvaluation() error
}

// Update is the snapshot pushed to SSE clients and rendered on the
// dashboard.
type Update struct {
	Timestamp time.Time `json:"timestamp"`
	Indoor    *float64  `json:"indoor,omitempty"`
	Outdoor   *float64  `json:"outdoor,omitempty"`
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
	Setpoint  float64   `json:"setpoint"`
}

// Server manages the web interface.
type Server struct {
	settings   *config.Settings
	logger     *zap.Logger
	bus        *events.Bus
	client     *eventbus.Client
	controller Controller
	server     *http.Server
	mux        *http.ServeMux
	ctx        context.Context
	cancel     context.CancelFunc

	// Current snapshot for SSE clients
	mu         sync.RWMutex
	current    *Update
	sseClients map[chan Update]struct{}
}

// New creates a new web server.
func New(settings *config.Settings, ctrl Controller, logger *zap.Logger, bus *events.Bus) (*Server, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	mux := http.NewServeMux()

	s := &Server{
		settings:   settings,
		logger:     logger,
		bus:        bus,
		client:     client,
		controller: ctrl,
		mux:        mux,
		ctx:        ctx,
		cancel:     cancel,
		sseClients: make(map[chan Update]struct{}),
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.WebBindAddress, settings.WebPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.setupRoutes()

	logger.Info("web server created",
		zap.String("addr", s.server.Addr),
	)

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Dashboard
	s.mux.HandleFunc("/", s.handleIndex)

	// SSE for real-time updates
	s.mux.HandleFunc("/events", s.handleSSE)

	// JSON API
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/evaluate", s.handleEvaluate)

	// Prometheus metrics
	s.mux.Handle("/metrics", promhttp.Handler())

	// Health check
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Start starts the web server and begins handling events.
func (s *Server) Start() error {
	s.logger.Info("starting web server")

	go s.handleUpdates()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server error", zap.Error(err))
		}
	}()

	s.publishConnectionStatus(events.ConnectionStatusConnected, "")

	s.logger.Info("web server started successfully")
	return nil
}

// handleUpdates subscribes to controller events and broadcasts snapshots
// to SSE clients.
func (s *Server) handleUpdates() {
	tempSub := eventbus.Subscribe[events.TemperatureEvent](s.client)
	defer tempSub.Close()
	modeSub := eventbus.Subscribe[events.ModeChangeEvent](s.client)
	defer modeSub.Close()

	s.logger.Info("subscribed to controller events")

	for {
		select {
		case event := <-tempSub.Events():
			s.applyTemperature(event)
		case event := <-modeSub.Events():
			s.applyModeChange(event)
		case <-s.ctx.Done():
			s.logger.Info("stopping web update handler")
			return
		}
	}
}

func (s *Server) applyTemperature(event events.TemperatureEvent) {
	s.mu.Lock()
	update := s.currentLocked()
	update.Timestamp = event.Timestamp
	update.Indoor = &event.Indoor
	update.Outdoor = &event.Outdoor
	s.broadcastLocked(update)
	s.mu.Unlock()
}

func (s *Server) applyModeChange(event events.ModeChangeEvent) {
	s.mu.Lock()
	update := s.currentLocked()
	update.Timestamp = event.Timestamp
	update.State = event.State
	update.Mode = event.Mode
	update.Setpoint = event.Setpoint
	update.Indoor = &event.Indoor
	update.Outdoor = &event.Outdoor
	s.broadcastLocked(update)
	s.mu.Unlock()
}

func (s *Server) currentLocked() Update {
	if s.current != nil {
		return *s.current
	}
	return Update{State: "Idle", Mode: "off"}
}

func (s *Server) broadcastLocked(update Update) {
	s.current = &update
	for client := range s.sseClients {
		select {
		case client <- update:
		default:
			// Client is slow or disconnected, skip
		}
	}
}

// handleIndex serves the dashboard.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.controller.Status()
	html := s.renderDashboard(status)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// handleSSE handles Server-Sent Events for real-time updates.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan Update, 10)

	s.mu.Lock()
	s.sseClients[clientChan] = struct{}{}
	if s.current != nil {
		clientChan <- *s.current
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sseClients, clientChan)
		s.mu.Unlock()
		close(clientChan)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case update := <-clientChan:
			data, err := json.Marshal(update)
			if err != nil {
				s.logger.Error("failed to marshal update", zap.Error(err))
				continue
			}

			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// handleStatus serves the full controller snapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.controller.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode status", zap.Error(err))
	}
}

// handleEvaluate triggers an immediate evaluation.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.controller.TriggerEvaluation(); err != nil {
		s.logger.Error("manual evaluation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("evaluation triggered via web")

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// publishConnectionStatus publishes a connection status event.
func (s *Server) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	event := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
		Error:     errMsg,
	}
	s.bus.PublishConnectionStatus(s.client, event)
}

// Close gracefully shuts down the web server.
func (s *Server) Close() error {
	s.logger.Info("shutting down web server")

	s.publishConnectionStatus(events.ConnectionStatusDisconnected, "")

	// Each SSE handler owns its channel and closes it when the context
	// ends; closing here as well would double close.
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown error", zap.Error(err))
	}

	s.logger.Info("web server shut down complete")
	return nil
}

// renderDashboard renders the dashboard using elem-go.
func (s *Server) renderDashboard(status controller.Status) string {
	indoor := "N/A"
	outdoor := "N/A"
	if status.StateMachine.Conditions.Indoor != nil {
		indoor = fmt.Sprintf("%.1f°C", *status.StateMachine.Conditions.Indoor)
	}
	if status.StateMachine.Conditions.Outdoor != nil {
		outdoor = fmt.Sprintf("%.1f°C", *status.StateMachine.Conditions.Outdoor)
	}

	stateClass := "state-idle"
	switch status.StateMachine.State {
	case "Heating":
		stateClass = "state-heating"
	case "Cooling":
		stateClass = "state-cooling"
	case "Defrost":
		stateClass = "state-defrost"
	}

	hubStatus := "Disconnected"
	if status.HubConnected {
		hubStatus = "Connected"
	}

	return elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text("HAG HVAC Controller")),
			elem.Meta(attrs.Props{attrs.Charset: "utf-8"}),
			elem.Meta(attrs.Props{attrs.Name: "viewport", attrs.Content: "width=device-width, initial-scale=1"}),
			elem.Script(attrs.Props{attrs.Src: "https://unpkg.com/htmx.org@1.9.10"}),
			elem.Style(nil, elem.Text(s.getCSS())),
		),
		elem.Body(nil,
			elem.Div(attrs.Props{attrs.Class: "container"},
				elem.H1(nil, elem.Text("HAG HVAC Controller")),

				elem.Div(attrs.Props{attrs.Class: "status-card"},
					elem.Div(attrs.Props{attrs.Class: "temp-display"},
						elem.Div(attrs.Props{attrs.Class: "temp"},
							elem.Span(attrs.Props{attrs.Class: "label"}, elem.Text("Indoor")),
							elem.Span(attrs.Props{attrs.Class: "value", attrs.ID: "indoor-temp"}, elem.Text(indoor)),
						),
						elem.Div(attrs.Props{attrs.Class: "temp"},
							elem.Span(attrs.Props{attrs.Class: "label"}, elem.Text("Outdoor")),
							elem.Span(attrs.Props{attrs.Class: "value", attrs.ID: "outdoor-temp"}, elem.Text(outdoor)),
						),
						elem.Div(attrs.Props{attrs.Class: stateClass, attrs.ID: "hvac-state"},
							elem.Text(status.StateMachine.State)),
					),
				),

				elem.Div(attrs.Props{attrs.Class: "info-card"},
					elem.H2(nil, elem.Text("Controller")),
					elem.P(nil, elem.Text(fmt.Sprintf("System mode: %s", status.SystemMode))),
					elem.P(nil, elem.Text(fmt.Sprintf("Mode: %s", status.StateMachine.Mode))),
					elem.P(nil, elem.Text(fmt.Sprintf("Sensor: %s", status.TempSensor))),
					elem.P(nil, elem.Text(fmt.Sprintf("Hub: %s", hubStatus))),
				),

				elem.Div(attrs.Props{attrs.Class: "control-card"},
					elem.Form(attrs.Props{
						"hx-post":   "/api/evaluate",
						"hx-target": "#response",
					},
						elem.Button(attrs.Props{
							attrs.Type:  "submit",
							attrs.Class: "evaluate-btn",
						}, elem.Text("Evaluate now")),
					),
					elem.Div(attrs.Props{attrs.ID: "response"}),
				),

				elem.Div(attrs.Props{attrs.Class: "links"},
					elem.A(attrs.Props{attrs.Href: "/api/status"}, elem.Text("Status JSON")),
					elem.Text(" | "),
					elem.A(attrs.Props{attrs.Href: "/metrics"}, elem.Text("Metrics")),
				),
			),

			// SSE handler script
			elem.Script(nil, elem.Text(`
				const eventSource = new EventSource('/events');

				eventSource.onmessage = function(e) {
					const data = JSON.parse(e.data);
					if (data.indoor !== undefined) {
						document.getElementById('indoor-temp').textContent = data.indoor.toFixed(1) + '°C';
					}
					if (data.outdoor !== undefined) {
						document.getElementById('outdoor-temp').textContent = data.outdoor.toFixed(1) + '°C';
					}

					const state = document.getElementById('hvac-state');
					state.textContent = data.state;
					state.className = 'state-' + data.state.toLowerCase();
				};
			`)),
		),
	).Render()
}

// getCSS returns CSS styles for the dashboard.
func (s *Server) getCSS() string {
	return `
		* { margin: 0; padding: 0; box-sizing: border-box; }
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
			background: linear-gradient(135deg, #2b5876 0%, #4e4376 100%);
			min-height: 100vh;
			padding: 20px;
		}
		.container {
			max-width: 640px;
			margin: 0 auto;
		}
		h1 {
			color: white;
			text-align: center;
			margin-bottom: 30px;
			font-size: 2em;
		}
		h2 {
			color: #333;
			margin-bottom: 15px;
			font-size: 1.2em;
		}
		.status-card, .info-card, .control-card {
			background: white;
			border-radius: 16px;
			padding: 30px;
			margin-bottom: 20px;
			box-shadow: 0 10px 40px rgba(0,0,0,0.15);
		}
		.temp-display {
			display: flex;
			justify-content: space-between;
			align-items: center;
			gap: 20px;
		}
		.temp {
			display: flex;
			flex-direction: column;
		}
		.temp .label {
			color: #666;
			font-size: 0.9em;
			margin-bottom: 5px;
		}
		.temp .value {
			font-size: 2.2em;
			font-weight: bold;
			color: #333;
		}
		.state-idle, .state-defrost {
			background: #e0e0e0;
			color: #555;
			padding: 10px 20px;
			border-radius: 20px;
			font-weight: bold;
		}
		.state-heating {
			background: linear-gradient(135deg, #ff9966 0%, #ff5e62 100%);
			color: white;
			padding: 10px 20px;
			border-radius: 20px;
			font-weight: bold;
		}
		.state-cooling {
			background: linear-gradient(135deg, #56ccf2 0%, #2f80ed 100%);
			color: white;
			padding: 10px 20px;
			border-radius: 20px;
			font-weight: bold;
		}
		.info-card p {
			color: #444;
			margin-bottom: 8px;
		}
		.evaluate-btn {
			width: 100%;
			padding: 15px;
			border: none;
			background: #2b5876;
			color: white;
			border-radius: 10px;
			font-size: 1em;
			font-weight: bold;
			cursor: pointer;
		}
		.evaluate-btn:hover {
			background: #4e4376;
		}
		.links {
			text-align: center;
			margin-top: 20px;
		}
		.links a {
			color: white;
			text-decoration: none;
			font-weight: bold;
		}
		.links a:hover {
			text-decoration: underline;
		}
		#response {
			margin-top: 10px;
			text-align: center;
			color: #444;
		}
	`
}
