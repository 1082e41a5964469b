package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mfreitag/thermolog/internal/device"
	"github.com/mfreitag/thermolog/internal/logger"
	"github.com/mfreitag/thermolog/internal/monitor"
	"github.com/mfreitag/thermolog/internal/pipeline"
	"github.com/mfreitag/thermolog/internal/plot"
)

// Server wires the session controller, pipeline, logger and plot buffer
// together and exposes them over HTTP + WebSocket. It is the external
// caller of the session: handlers never touch session state directly, they
// go through the controller's request API.
type Server struct {
	cfg     *Config
	session *device.SessionController
	pipe    *pipeline.Pipeline
	logger  *logger.Logger
	plotBuf *plot.Buffer

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading *device.Reading         `json:"reading,omitempty"`
	Session *device.SessionSnapshot `json:"session,omitempty"`
	History []device.Reading        `json:"history,omitempty"` // plot window, sent on connect
	Stamp   int64                   `json:"stamp"`             // Unix ms
}

// New creates a Server and its session controller.
func New(cfg *Config) *Server {
	pipe := pipeline.New(cfg.Pipeline.SinkCapacity)

	var dial device.DialFunc
	if cfg.Device.Type == "demo" {
		dial = device.DialSim(time.Duration(cfg.Device.DemoTickMs) * time.Millisecond)
	}
	session := device.NewSessionController(
		dial,
		cfg.Device.BaudRate,
		time.Duration(cfg.Device.ResponseTimeoutMs)*time.Millisecond,
		pipe,
	)

	return &Server{
		cfg:     cfg,
		session: session,
		pipe:    pipe,
		logger: logger.New(logger.Config{
			Enabled: cfg.Logging.Enabled,
			Path:    cfg.Logging.Path,
		}),
		plotBuf: plot.NewBuffer(cfg.Plot.Capacity),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Session exposes the controller for the cmd layer (startup auto-connect,
// metrics registration).
func (s *Server) Session() *device.SessionController { return s.session }

// Run starts the sink consumers and the HTTP server, and blocks until ctx
// is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	// Logger sink: every reading, flushed per row.
	logSink := s.pipe.Subscribe()
	go func() {
		for r := range logSink.Readings() {
			s.logger.Append(r)
		}
	}()

	// Live sink: plot history + WebSocket broadcast.
	liveSink := s.pipe.Subscribe()
	go func() {
		for r := range liveSink.Readings() {
			s.plotBuf.Append(r)
			monitor.ReadingsTotal.Inc()
			reading := r
			s.broadcast(Frame{Reading: &reading, Stamp: time.Now().UnixMilli()})
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/device-status", s.handleDeviceStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/configure", s.handleConfigure)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/acquire", s.handleAcquire)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/plot", s.handlePlot)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.Handle("/metrics", monitor.Handler())

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		// Stop the session first so the pipeline drains, then close the
		// log file regardless of how the run ended.
		s.session.Close()
		logSink.Unsubscribe()
		liveSink.Unsubscribe()
		s.logger.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	monitor.WSClients.Inc()

	log.Printf("[ws] client connected (%d total)", total)

	// Seed the client with the session snapshot and the plot window.
	snap := s.session.Snapshot()
	seed := Frame{
		Session: &snap,
		History: s.plotBuf.Snapshot(),
		Stamp:   time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(seed); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and cleanup)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			monitor.WSClients.Dec()
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// broadcastSnapshot pushes the current session state to every client after
// a successful control operation.
func (s *Server) broadcastSnapshot() {
	snap := s.session.Snapshot()
	s.broadcast(Frame{Session: &snap, Stamp: time.Now().UnixMilli()})
}

// writeErr maps the device error taxonomy onto HTTP status codes and
// records the failure kind.
func writeErr(w http.ResponseWriter, err error) {
	var (
		valErr   *device.ValidationError
		stateErr *device.StateError
		devErr   *device.DeviceError
		linkErr  *device.LinkError
		decErr   *device.DecodeError
	)
	switch {
	case errors.Is(err, device.ErrBusy):
		monitor.CommandErrors.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, device.ErrTimeout):
		monitor.CommandErrors.WithLabelValues("timeout").Inc()
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &valErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &stateErr):
		monitor.CommandErrors.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &devErr):
		monitor.CommandErrors.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &linkErr):
		monitor.CommandErrors.WithLabelValues("link").Inc()
		monitor.LinkFaults.Inc()
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &decErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Snapshot())
}

// handleDeviceStatus queries the device itself rather than the host-side
// snapshot, so an operator can spot divergence.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.QueryStatus()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Port string `json:"port"`
	}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		json.Unmarshal(body, &req)
	}
	if req.Port == "" {
		req.Port = s.cfg.Device.Port
	}
	if err := s.session.Connect(req.Port); err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Disconnect(); err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

// handleConfigure applies rate/channels/samples settings. Each field is a
// separate device exchange; the first failure stops the sequence and the
// already-acknowledged fields stay applied.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Rate     *int `json:"rate"`
		Channels *int `json:"channels"`
		Samples  *int `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.Rate != nil {
		if err := s.session.SetRate(*req.Rate); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Channels != nil {
		if err := s.session.SetChannels(*req.Channels); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Samples != nil {
		if err := s.session.SetSamples(*req.Samples); err != nil {
			writeErr(w, err)
			return
		}
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Start(); err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Stop(); err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reading, err := s.session.Acquire()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Reset(); err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastSnapshot()
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := device.ListPorts()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ports)
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.plotBuf.Snapshot())
	case http.MethodDelete:
		s.plotBuf.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Logging toggle takes effect immediately.
		s.logger.SetEnabled(s.cfg.Logging.Enabled)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
