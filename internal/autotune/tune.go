package autotune

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/shaunagostinho/clawtune/internal/estimate"
	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

// Frequency-fit grid used when a sweep request leaves it unset.
const (
	DefaultTauMin    = 0.005
	DefaultTauMax    = 2.0
	DefaultTauPoints = 200
)

// Options control the synthesis and write-back common to every pipeline.
type Options struct {
	LambdaScale float64 `json:"lambdaScale" yaml:"lambda_scale"`
	ApplyResult bool    `json:"applyResult" yaml:"apply_result"`

	// AllowSimFallback moves the whole tune to the simulator when the
	// selected backend cannot be reached on its first exchange.
	AllowSimFallback bool `json:"allowSimFallback" yaml:"allow_sim_fallback"`

	Clock experiment.Clock `json:"-" yaml:"-"`
}

// Result is the part of a tune shared by every pipeline.
type Result struct {
	Motor    int                  `json:"motor"`
	Backend  string               `json:"backend"`
	FellBack bool                 `json:"fellBack"`
	Plant    Plant                `json:"plant"`
	Previous roboclaw.VelocityPID `json:"previous"`
	Gains    Gains                `json:"gains"`

	Applied    bool   `json:"applied"`
	ApplyError string `json:"applyError,omitempty"`
}

// StepRequest tunes from an open-loop PWM step.
type StepRequest struct {
	experiment.StepConfig `yaml:",inline"`
	Options               `yaml:",inline"`

	NoRefine bool `json:"noRefine" yaml:"no_refine"`
}

// StepResult is a completed step tune.
type StepResult struct {
	Result
	Estimate estimate.StepResult  `json:"estimate"`
	Samples  []experiment.Sample `json:"samples"`
}

// SweepRequest tunes from a sinusoidal sweep.
type SweepRequest struct {
	experiment.SweepConfig `yaml:",inline"`
	Options                `yaml:",inline"`

	TauMin    float64 `json:"tauMin" yaml:"tau_min"`
	TauMax    float64 `json:"tauMax" yaml:"tau_max"`
	TauPoints int     `json:"tauPoints" yaml:"tau_points"`
}

// SweepResult is a completed sweep tune.
type SweepResult struct {
	Result
	Points   []estimate.FRFPoint   `json:"points"`
	Fit      estimate.FRFResult    `json:"fit"`
	Segments []experiment.Segment `json:"segments"`
}

// pinned is an experiment source that only offers the simulator.
type pinned struct{ b roboclaw.MotorBackend }

func (p pinned) Backend() roboclaw.MotorBackend   { return p.b }
func (p pinned) Simulator() roboclaw.MotorBackend { return p.b }

// prepare reads the stored velocity PID, which is the first exchange of a
// tune and therefore the one that decides a fallback.
func prepare(ctx context.Context, src experiment.Source, motor int, opts Options) (experiment.Source, Result, error) {
	res := Result{Motor: motor}
	b := src.Backend()
	pid, err := b.ReadVelocityPID(ctx, motor)
	if err != nil && opts.AllowSimFallback && roboclaw.IsTransport(err) && b != src.Simulator() {
		log.Printf("[autotune] %s unreachable (%v), tuning on %s", b.Name(), err, src.Simulator().Name())
		src = pinned{src.Simulator()}
		res.FellBack = true
		pid, err = src.Backend().ReadVelocityPID(ctx, motor)
	}
	if err != nil {
		return src, res, fmt.Errorf("autotune: read velocity pid: %w", err)
	}
	if pid.QPPS == 0 {
		return src, res, roboclaw.Errorf(roboclaw.KindLogical, "autotune",
			"%w: M%d has no stored QPPS, measure it first", roboclaw.ErrOutOfRange, motor)
	}
	res.Previous = pid
	res.Backend = src.Backend().Name()
	return src, res, nil
}

// finish synthesizes gains and, if asked, writes them back. A failed write
// is reported on the result rather than failing the tune.
func finish(ctx context.Context, src experiment.Source, res *Result, plant Plant, opts Options) error {
	g, err := SynthesizeIMC(plant, res.Previous.QPPS, opts.LambdaScale)
	if err != nil {
		return err
	}
	res.Plant, res.Gains = plant, g
	log.Printf("[autotune] M%d K=%.6g tau=%.4fs: %s", res.Motor, plant.K, plant.Tau, g)

	if !opts.ApplyResult {
		return nil
	}
	if err := src.Backend().WriteVelocityPID(ctx, res.Motor, g.PID); err != nil {
		log.Printf("[autotune] M%d write velocity pid: %v", res.Motor, err)
		res.ApplyError = err.Error()
		return nil
	}
	res.Applied = true
	return nil
}

// StepTune runs a PWM step, fits a first-order plant and synthesizes IMC gains.
func StepTune(ctx context.Context, src experiment.Source, req StepRequest) (StepResult, error) {
	src, base, err := prepare(ctx, src, req.Motor, req.Options)
	out := StepResult{Result: base}
	if err != nil {
		return out, err
	}

	series, err := experiment.RunStep(ctx, src, req.StepConfig, experiment.Options{Clock: req.Clock})
	out.Samples = series.Samples
	if err != nil {
		return out, err
	}

	est, err := estimate.StepWithOptions(series.Samples, estimate.StepOptions{NoRefine: req.NoRefine})
	if err != nil {
		return out, fmt.Errorf("autotune: step M%d: %w", req.Motor, err)
	}
	out.Estimate = est
	if err := finish(ctx, src, &out.Result, Plant{K: est.K, Tau: est.Tau}, req.Options); err != nil {
		return out, err
	}
	return out, nil
}

// SweepTune runs a sinusoidal sweep, demodulates each frequency, fits a
// single-pole response and synthesizes IMC gains. The sweep uses the
// open-loop speed command, so a backend whose velocity loop is active
// identifies the closed loop instead of the plant.
func SweepTune(ctx context.Context, src experiment.Source, req SweepRequest) (SweepResult, error) {
	src, base, err := prepare(ctx, src, req.Motor, req.Options)
	out := SweepResult{Result: base}
	if err != nil {
		return out, err
	}

	series, err := experiment.RunSweep(ctx, src, req.SweepConfig, experiment.Options{Clock: req.Clock})
	out.Segments = series.Segments
	if err != nil {
		return out, err
	}

	for _, seg := range series.Segments {
		p, err := estimate.Demodulate(seg.Steady(), seg.FreqHz)
		if err != nil {
			return out, fmt.Errorf("autotune: sweep M%d: %w", req.Motor, err)
		}
		out.Points = append(out.Points, p)
	}

	tauMin, tauMax, tauPoints := req.TauMin, req.TauMax, req.TauPoints
	if tauMin == 0 {
		tauMin = DefaultTauMin
	}
	if tauMax == 0 {
		tauMax = DefaultTauMax
	}
	if tauPoints == 0 {
		tauPoints = DefaultTauPoints
	}
	fit, err := estimate.FitPoints(out.Points, tauMin, tauMax, tauPoints)
	if err != nil {
		return out, fmt.Errorf("autotune: sweep M%d: %w", req.Motor, err)
	}
	out.Fit = fit

	// A single pole has no phase at DC, so the sign of K's real part is the
	// direction of the plant.
	k := math.Copysign(fit.KMag, fit.K.Re)
	if err := finish(ctx, src, &out.Result, Plant{K: k, Tau: fit.Tau}, req.Options); err != nil {
		return out, err
	}
	return out, nil
}
