package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/portscan"
	"github.com/shaunagostinho/k1timer/internal/racelog"
	"github.com/shaunagostinho/k1timer/internal/track"
)

var log = logrus.WithField("component", "server")

// Server exposes the track monitor over HTTP and pushes timer frames to
// WebSocket clients.
type Server struct {
	cfg     *Config
	monitor *track.Monitor
	results *racelog.Logger
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// opResponse is the JSON body of every /api/timer call.
type opResponse struct {
	OK    bool               `json:"ok"`
	Port  *portscan.PortInfo `json:"port,omitempty"`
	Error string             `json:"error,omitempty"`
}

// statusResponse describes the live timer connection.
type statusResponse struct {
	Connected          bool               `json:"connected"`
	Port               *portscan.PortInfo `json:"port,omitempty"`
	LaneCount          int                `json:"laneCount"`
	Features           map[string]bool    `json:"features,omitempty"`
	Mode               *k1.DeviceMode     `json:"mode,omitempty"`
	LastResultsCleared bool               `json:"lastResultsCleared"`
	LastResults        *track.Frame       `json:"lastResults,omitempty"`
}

// New creates a Server and registers it as a sink of the monitor. results
// and webFS may be nil.
func New(cfg *Config, monitor *track.Monitor, results *racelog.Logger, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		monitor: monitor,
		results: results,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	monitor.AddSink(s)
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("/api/timer/init", s.handlePortOp(s.monitor.Initialize))
	mux.HandleFunc("/api/timer/newConnection", s.handlePortOp(s.monitor.NewConnection))
	mux.HandleFunc("/api/timer/test", s.handleBoolOp(s.monitor.TestConnection))
	mux.HandleFunc("/api/timer/endRace", s.handleBoolOp(s.monitor.EndRace))
	mux.HandleFunc("/api/timer/clearRace", s.handleBoolOp(s.monitor.ClearRace))
	mux.HandleFunc("/api/timer/status", s.handleStatus)
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish implements track.Sink by broadcasting the frame.
func (s *Server) Publish(fr track.Frame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Latest results first so a fresh board is not blank
	if last, ok := s.monitor.LastResults(); ok {
		if data, err := json.Marshal(last); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Infof("ws client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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
			log.Warnf("config save failed: %v", err)
		}
		s.applyConfig()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyConfig pushes the settings that can change without reconnecting.
// Port and eliminator changes take effect on the next connection.
func (s *Server) applyConfig() {
	timerCfg, resultsCfg := s.cfg.Snapshot()
	if s.results != nil {
		s.results.SetEnabled(resultsCfg.Enabled)
	}
	if t, err := s.monitor.Timer(); err == nil {
		t.SetOffsetResultsForTies(timerCfg.OffsetResultsForTies)
	}
}

func (s *Server) handlePortOp(op func() (portscan.PortInfo, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		port, err := op()
		if err != nil {
			resp := opResponse{Error: err.Error()}
			if port.PortName != "" {
				resp.Port = &port
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, opResponse{OK: true, Port: &port})
	}
}

func (s *Server) handleBoolOp(op func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, opResponse{OK: op()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var st statusResponse
	if last, ok := s.monitor.LastResults(); ok {
		st.LastResults = &last
	}
	t, err := s.monitor.Timer()
	if err != nil {
		writeJSON(w, http.StatusOK, st)
		return
	}
	if port, ok := s.monitor.Port(); ok {
		st.Port = &port
	}
	mode := t.Mode()
	st.Connected = true
	st.LaneCount = t.LastDetectedPhysicalLaneCount()
	st.Mode = &mode
	st.LastResultsCleared = t.LastResultsCleared()
	st.Features = make(map[string]bool, k1.FeatureCount)
	features := t.Features()
	for f := k1.Feature(0); f < k1.FeatureCount; f++ {
		st.Features[f.String()] = features.Has(f)
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func (s *Server) broadcast(data []byte) {
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
