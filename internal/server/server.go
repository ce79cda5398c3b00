// Package server exposes the motor driver, estimators and tuning pipelines
// over HTTP and streams controller telemetry to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/clawtune/internal/config"
	"github.com/shaunagostinho/clawtune/internal/logger"
	"github.com/shaunagostinho/clawtune/internal/motor"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

// Server polls the active backend, broadcasts telemetry to WebSocket
// clients and runs long operations as background jobs.
type Server struct {
	cfg    *config.Config
	drv    *motor.Driver
	logger *logger.Logger
	jobs   *jobTable

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// listPorts is swapped in tests.
	listPorts func() ([]string, error)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status    *roboclaw.Status `json:"status,omitempty"`
	Backend   string           `json:"backend"`
	Simulated bool             `json:"simulated"`
	Error     string           `json:"error,omitempty"`
	Stamp     int64            `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *config.Config, drv *motor.Driver) *Server {
	c := cfg.Snapshot()
	return &Server{
		cfg: cfg,
		drv: drv,
		logger: logger.New(logger.Config{
			Enabled:    c.Logging.Enabled,
			Path:       c.Logging.Path,
			IntervalMs: c.Logging.Interval,
		}),
		jobs:    newJobTable(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		listPorts: roboclaw.ListPorts,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/configure", s.handleConfigure)
	mux.HandleFunc("POST /api/baud", s.handleBaud)

	mux.HandleFunc("POST /api/drive", s.handleDrive)
	mux.HandleFunc("POST /api/pwm", s.handleDrivePWM)
	mux.HandleFunc("GET /api/pwm", s.handleReadPWM)
	mux.HandleFunc("GET /api/speed", s.handleSpeed)
	mux.HandleFunc("GET /api/currents", s.handleCurrents)
	mux.HandleFunc("POST /api/encoders/reset", s.handleResetEncoders)
	mux.HandleFunc("/api/pid/velocity", s.handleVelocityPID)
	mux.HandleFunc("/api/pid/position", s.handlePositionPID)

	mux.HandleFunc("POST /api/sim/params", s.handleSimParams)
	mux.HandleFunc("POST /api/sim/reset", s.handleSimReset)

	mux.HandleFunc("POST /api/estimate/step", s.handleEstimateStep)
	mux.HandleFunc("POST /api/estimate/frf", s.handleEstimateFRF)

	mux.HandleFunc("POST /api/qpps", s.handleQPPS)
	mux.HandleFunc("POST /api/autotune/step", s.handleStepTune)
	mux.HandleFunc("POST /api/autotune/sweep", s.handleSweepTune)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)

	return mux
}

// Run serves HTTP and polls telemetry until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	c := s.cfg.Snapshot()
	srv := &http.Server{
		Addr:    c.Server.ListenAddr,
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pollLoop(gctx, c.Server.PollHz)
		return nil
	})
	g.Go(func() error {
		log.Printf("[server] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.jobs.stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
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
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader (keep-alive; client messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// pollLoop reads the full status of the active backend at pollHz, then
// broadcasts and records it.
func (s *Server) pollLoop(ctx context.Context, pollHz int) {
	if pollHz <= 0 {
		pollHz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(pollHz))
	defer ticker.Stop()
	defer s.logger.Close()

	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.poll(ctx)
			if frame.Error != lastErr {
				if frame.Error != "" {
					log.Printf("[server] telemetry: %s", frame.Error)
				} else if lastErr != "" {
					log.Printf("[server] telemetry restored on %s", frame.Backend)
				}
				lastErr = frame.Error
			}
			s.broadcast(frame)
		}
	}
}

func (s *Server) poll(ctx context.Context) Frame {
	frame := Frame{
		Backend:   s.drv.Name(),
		Simulated: s.drv.Simulated(),
		Stamp:     time.Now().UnixMilli(),
	}
	st, err := s.drv.ReadAllStatus(ctx)
	if err != nil {
		frame.Error = err.Error()
		return frame
	}
	frame.Status = &st
	s.logger.Record(frame.Backend, st)
	return frame
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
