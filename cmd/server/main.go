package main

import (
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miretskiy/tcpsim/simulator"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate *template.Template

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client message types
type ClientMessage struct {
	Type   string               `json:"type"`
	Config *simulator.SimConfig `json:"config,omitempty"`
}

// Server message types
type ServerMessage struct {
	Type    string                 `json:"type"`
	Running *bool                  `json:"running,omitempty"`
	Config  *simulator.SimConfig   `json:"config,omitempty"`
	Metrics *simulator.Metrics     `json:"metrics,omitempty"`
	State   map[string]interface{} `json:"state,omitempty"`
	Summary *simulator.Summary     `json:"summary,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// simState manages the simulation state and UI pacing
type simState struct {
	sim      *simulator.Simulator
	running  bool
	paused   bool
	reported bool // summary of the finished run was published
	mu       sync.Mutex
	stopCh   chan struct{}
}

func newSimState(config simulator.SimConfig) (*simState, error) {
	sim, err := simulator.NewSimulator(config)
	if err != nil {
		return nil, err
	}

	return &simState{
		sim:    sim,
		stopCh: make(chan struct{}),
	}, nil
}

// start begins the simulation (sets running flag)
func (s *simState) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.paused = false
}

// pause pauses the simulation
func (s *simState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// reset resets the simulation
func (s *simState) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.paused = false
	s.reported = false
	return s.sim.Reset()
}

// updateConfig updates the configuration
func (s *simState) updateConfig(config simulator.SimConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sim.UpdateConfig(config); err != nil {
		return err
	}
	if !s.sim.IsDone() {
		s.reported = false
	}
	return nil
}

// isRunning returns true if simulation is running and not paused
func (s *simState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.paused
}

// getConfig returns the current simulator configuration
func (s *simState) getConfig() simulator.SimConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Config()
}

// step advances simulation by deltaT (called by UI ticker). It returns the
// run summary the first time the run is found finished.
func (s *simState) step(deltaT float64) *simulator.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && !s.paused {
		s.sim.Step(deltaT)
	}
	if s.sim.IsDone() && !s.reported {
		s.reported = true
		s.running = false
		summary := s.sim.Summary()
		return &summary
	}
	return nil
}

// metrics returns current metrics
func (s *simState) metrics() *simulator.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Metrics()
}

// state returns current state
func (s *simState) state() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.State()
}

// stop signals the UI loop to stop
func (s *simState) stop() {
	close(s.stopCh)
}

// server holds what is shared between websocket clients.
type server struct {
	runs     *ttlcache.Cache[string, simulator.Summary]
	tick     time.Duration
	stepSize float64 // virtual seconds per tick
}

func newServer(runTTL, tick time.Duration, stepSize float64) *server {
	runs := ttlcache.New(
		ttlcache.WithTTL[string, simulator.Summary](runTTL),
		ttlcache.WithDisableTouchOnHit[string, simulator.Summary](),
	)
	go runs.Start()
	return &server{runs: runs, tick: tick, stepSize: stepSize}
}

// uiUpdateLoop periodically calls Step() and sends updates to the client
// This runs in its own goroutine and controls UI pacing
func (srv *server) uiUpdateLoop(conn *safeConn, state *simState) {
	ticker := time.NewTicker(srv.tick)
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			log.Debug("UI update loop stopping")
			return

		case <-ticker.C:
			if !state.isRunning() {
				continue
			}
			summary := state.step(srv.stepSize)

			metrics := state.metrics()
			updatePrometheusMetrics(metrics)
			if err := conn.WriteJSON(ServerMessage{Type: "metrics", Metrics: metrics}); err != nil {
				log.Error("sending metrics", "error", err)
				return
			}
			if err := conn.WriteJSON(ServerMessage{Type: "state", State: state.state()}); err != nil {
				log.Error("sending state", "error", err)
				return
			}

			if summary != nil {
				srv.runs.Set(summary.RunID, *summary, ttlcache.DefaultTTL)
				log.Info("run finished", "run", summary.RunID, "received", summary.TotalBytesReceived, "drops", summary.Drops)
				running := false
				if err := conn.WriteJSON(ServerMessage{Type: "done", Running: &running, Summary: summary}); err != nil {
					log.Error("sending summary", "error", err)
					return
				}
			}
		}
	}
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

func (sc *safeConn) sendStatus(state *simState) {
	running := state.isRunning()
	cfg := state.getConfig()
	if err := sc.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg}); err != nil {
		log.Error("sending status", "error", err)
	}
}

func (srv *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrading connection", "error", err)
		return
	}
	defer conn.Close()

	// Wrap connection with mutex for safe concurrent writes
	safeConn := &safeConn{Conn: conn}
	log.Info("client connected", "remote", r.RemoteAddr)

	state, err := newSimState(simulator.DefaultConfig())
	if err != nil {
		log.Error("creating simulator", "error", err)
		return
	}
	safeConn.sendStatus(state)

	go srv.uiUpdateLoop(safeConn, state)

	// Handle messages from client
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("reading message", "error", err)
			}
			break
		}
		log.Debug("received command", "type", msg.Type)

		switch msg.Type {
		case "start":
			state.start()
			safeConn.sendStatus(state)

		case "pause":
			state.pause()
			safeConn.sendStatus(state)

		case "reset":
			if err := state.reset(); err != nil {
				log.Error("resetting simulator", "error", err)
			}
			safeConn.sendStatus(state)

		case "config_update":
			if msg.Config == nil {
				continue
			}
			if err := state.updateConfig(*msg.Config); err != nil {
				log.Warn("rejected config update", "error", err)
				safeConn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
				continue
			}
			safeConn.sendStatus(state)
		}
	}

	state.stop()
	log.Info("client disconnected", "remote", r.RemoteAddr)
}

// handleRun serves the summary of a recently finished run.
func (srv *server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	item := srv.runs.Get(id)
	if item == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(item.Value()); err != nil {
		log.Error("encoding run summary", "run", id, "error", err)
	}
}

func serveHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, nil); err != nil {
		log.Error("executing template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func quitHandler(w http.ResponseWriter, r *http.Request) {
	log.Info("shutdown requested via /quitquitquit")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Server shutting down...")

	go func() {
		time.Sleep(100 * time.Millisecond)
		log.Info("server stopped")
		os.Exit(0)
	}()
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	runTTL := flag.Duration("run-ttl", 30*time.Minute, "How long finished run summaries are kept")
	tick := flag.Duration("tick", 500*time.Millisecond, "Wall-clock interval between UI updates")
	stepSize := flag.Float64("step", 0.1, "Virtual seconds simulated per UI update")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.SetReportTimestamp(true)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	var err error
	indexTemplate, err = template.ParseFS(templateFS, "templates/index.html")
	rtx.Must(err, "loading template")

	initPrometheusMetrics()
	srv := newServer(*runTTL, *tick, *stepSize)

	http.HandleFunc("/", serveHome)
	http.HandleFunc("/ws", srv.handleWebSocket)
	http.HandleFunc("/runs/", srv.handleRun)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/quitquitquit", quitHandler)

	log.Info("server starting",
		"url", "http://localhost"+*addr,
		"websocket", "ws://localhost"+*addr+"/ws",
		"metrics", "http://localhost"+*addr+"/metrics")
	rtx.Must(http.ListenAndServe(*addr, nil), "server failed")
}
