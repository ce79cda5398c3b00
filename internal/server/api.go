package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/shaunagostinho/clawtune/internal/autotune"
	"github.com/shaunagostinho/clawtune/internal/config"
	"github.com/shaunagostinho/clawtune/internal/estimate"
	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

const maxBody = 8 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch roboclaw.KindOf(err) {
	case roboclaw.KindLogical:
		return http.StatusBadRequest
	case roboclaw.KindEstimation:
		return http.StatusUnprocessableEntity
	case roboclaw.KindTransport, roboclaw.KindProtocol:
		return http.StatusBadGateway
	case roboclaw.KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  roboclaw.KindOf(err).String(),
	})
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": fmt.Sprintf(format, args...),
		"kind":  roboclaw.KindLogical.String(),
	})
}

// decode reads a JSON body into v. Fields already set in v are kept unless
// the body overrides them.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}

func motorParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	m, err := strconv.Atoi(r.URL.Query().Get("motor"))
	if err != nil || (m != 1 && m != 2) {
		badRequest(w, "motor query parameter must be 1 or 2")
		return 0, false
	}
	return m, true
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		s.logger.SetEnabled(s.cfg.Snapshot().Logging.Enabled)
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.drv.ReadAllStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":   s.drv.Name(),
		"simulated": s.drv.Simulated(),
		"logging":   s.logger.IsEnabled(),
		"status":    st,
	})
}

type configureRequest struct {
	Port string `json:"port"`
	Baud *int   `json:"baud,omitempty"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Port == "" {
		badRequest(w, "port is required")
		return
	}
	if err := s.drv.Configure(r.Context(), req.Port, req.Baud); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Update(func(c *config.Settings) {
		c.Controller.Simulated = req.Port == roboclaw.SimulatedPort
		if !c.Controller.Simulated {
			c.Controller.Port = req.Port
		}
		if req.Baud != nil {
			c.Controller.BaudRate = *req.Baud
		}
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"backend": s.drv.Name(), "simulated": s.drv.Simulated()})
}

type baudRequest struct {
	Baud int `json:"baud"`
}

// handleBaud reopens the current port at a new rate. When simulated the
// rate is only recorded for the next hardware connection.
func (s *Server) handleBaud(w http.ResponseWriter, r *http.Request) {
	var req baudRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.drv.ReconfigureBaud(r.Context(), req.Baud); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Update(func(c *config.Settings) { c.Controller.BaudRate = req.Baud })
	writeJSON(w, http.StatusOK, map[string]interface{}{"backend": s.drv.Name(), "baud": req.Baud})
}

type driveRequest struct {
	Motor int `json:"motor"`
	Speed int `json:"speed"`
	PWM   int `json:"pwm"`
}

func (s *Server) handleDrive(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Speed < 0 || req.Speed > roboclaw.MaxDrive {
		badRequest(w, "speed %d outside 0..%d", req.Speed, roboclaw.MaxDrive)
		return
	}
	if err := s.drv.Drive(r.Context(), req.Motor, uint8(req.Speed)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDrivePWM(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.drv.DrivePWM(r.Context(), req.Motor, req.PWM); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleReadPWM(w http.ResponseWriter, r *http.Request) {
	p, err := s.drv.ReadPWM(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	m, ok := motorParam(w, r)
	if !ok {
		return
	}
	v, err := s.drv.ReadSpeed(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"motor": m, "speed": v})
}

func (s *Server) handleCurrents(w http.ResponseWriter, r *http.Request) {
	c, err := s.drv.ReadCurrents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResetEncoders(w http.ResponseWriter, r *http.Request) {
	if err := s.drv.ResetEncoder(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleVelocityPID(w http.ResponseWriter, r *http.Request) {
	m, ok := motorParam(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.drv.ReadVelocityPID(r.Context(), m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPost:
		var p roboclaw.VelocityPID
		if !decode(w, r, &p) {
			return
		}
		if err := s.drv.WriteVelocityPID(r.Context(), m, p); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handlePositionPID(w http.ResponseWriter, r *http.Request) {
	m, ok := motorParam(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.drv.ReadPositionPID(r.Context(), m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPost:
		var p roboclaw.PositionPID
		if !decode(w, r, &p) {
			return
		}
		if err := s.drv.WritePositionPID(r.Context(), m, p); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleSimParams(w http.ResponseWriter, r *http.Request) {
	var req SimParamsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := s.drv.Engine().SetPlant(r.Context(), req.Motor, req.Plant); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Update(func(c *config.Settings) {
		if req.Motor == 2 {
			c.Simulation.M2 = req.Plant
		} else {
			c.Simulation.M1 = req.Plant
		}
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"motor": req.Motor, "plant": req.Plant})
}

func (s *Server) handleSimReset(w http.ResponseWriter, r *http.Request) {
	if err := s.drv.Engine().Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type stepEstimateRequest struct {
	Samples  []experiment.Sample `json:"samples"`
	NoRefine bool                `json:"noRefine"`
}

func (s *Server) handleEstimateStep(w http.ResponseWriter, r *http.Request) {
	var req stepEstimateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := estimate.StepWithOptions(req.Samples, estimate.StepOptions{NoRefine: req.NoRefine})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type frfEstimateRequest struct {
	Freqs     []float64 `json:"freqs"`
	Mags      []float64 `json:"mags"`
	Phases    []float64 `json:"phases"` // degrees
	TauMin    float64   `json:"tauMin"`
	TauMax    float64   `json:"tauMax"`
	TauPoints int       `json:"tauPoints"`
}

func (s *Server) handleEstimateFRF(w http.ResponseWriter, r *http.Request) {
	t := s.cfg.Snapshot().Tuning
	req := frfEstimateRequest{TauMin: t.TauMin, TauMax: t.TauMax, TauPoints: t.TauPoints}
	if !decode(w, r, &req) {
		return
	}
	res, err := estimate.FitFRF(req.Freqs, req.Mags, req.Phases, req.TauMin, req.TauMax, req.TauPoints)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type qppsRequest struct {
	Motor      int `json:"motor"`
	DurationMs int `json:"durationMs"`
}

func (s *Server) handleQPPS(w http.ResponseWriter, r *http.Request) {
	req := qppsRequest{Motor: 1, DurationMs: s.cfg.Snapshot().Tuning.QPPSDurationMs}
	if !decode(w, r, &req) {
		return
	}
	job := s.jobs.start("qpps", func(ctx context.Context) (interface{}, error) {
		return s.drv.MeasureQPPS(ctx, req.Motor, req.DurationMs)
	})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) tuneOptions() autotune.Options {
	t := s.cfg.Snapshot().Tuning
	return autotune.Options{
		LambdaScale:      t.LambdaScale,
		AllowSimFallback: t.AllowSimFallback,
		Clock:            s.drv.Clock(),
	}
}

func (s *Server) handleStepTune(w http.ResponseWriter, r *http.Request) {
	req := autotune.StepRequest{StepConfig: s.cfg.Snapshot().Tuning.Step, Options: s.tuneOptions()}
	if !decode(w, r, &req) {
		return
	}
	req.Clock = s.drv.Clock()
	job := s.jobs.start("step-tune", func(ctx context.Context) (interface{}, error) {
		return autotune.StepTune(ctx, s.drv, req)
	})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSweepTune(w http.ResponseWriter, r *http.Request) {
	t := s.cfg.Snapshot().Tuning
	req := autotune.SweepRequest{
		SweepConfig: t.Sweep,
		Options:     s.tuneOptions(),
		TauMin:      t.TauMin,
		TauMax:      t.TauMax,
		TauPoints:   t.TauPoints,
	}
	if !decode(w, r, &req) {
		return
	}
	req.Clock = s.drv.Clock()
	job := s.jobs.start("sweep-tune", func(ctx context.Context) (interface{}, error) {
		return autotune.SweepTune(ctx, s.drv, req)
	})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.jobs.list()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
