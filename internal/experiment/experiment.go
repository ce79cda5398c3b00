package experiment

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"go.uber.org/multierr"
)

// Sample is one point of an experiment's time series.
type Sample struct {
	TimeMs   float64 `json:"timeMs"`
	Velocity float64 `json:"velocity"` // pps
	Command  float64 `json:"command"`  // PWM units (±32767)
}

// Source provides the backend to run against and the simulator to fall back to.
type Source interface {
	Backend() roboclaw.MotorBackend
	Simulator() roboclaw.MotorBackend
}

// Options apply to every experiment.
type Options struct {
	Clock Clock
	// AllowSimFallback continues on the simulator when the first exchange
	// with the selected backend fails with a transport error.
	AllowSimFallback bool
}

// Series is a recorded experiment.
type Series struct {
	Samples  []Sample `json:"samples"`
	Backend  string   `json:"backend"`
	FellBack bool     `json:"fellBack"`
}

// runner tracks the backend an experiment is using.
type runner struct {
	src      Source
	b        roboclaw.MotorBackend
	allow    bool
	fellBack bool
	touched  bool
}

func newRunner(src Source, opts Options) *runner {
	return &runner{src: src, b: src.Backend(), allow: opts.AllowSimFallback}
}

// do runs op against the current backend. Only the very first exchange may
// trigger the fallback; later failures are returned as they are.
func (r *runner) do(op func(roboclaw.MotorBackend) error) error {
	err := op(r.b)
	if err != nil && !r.touched && r.allow && roboclaw.IsTransport(err) && r.b != r.src.Simulator() {
		log.Printf("[experiment] %s unreachable (%v), continuing on %s", r.b.Name(), err, r.src.Simulator().Name())
		r.b = r.src.Simulator()
		r.fellBack = true
		err = op(r.b)
	}
	r.touched = true
	return err
}

func (r *runner) series(samples []Sample) Series {
	return Series{Samples: samples, Backend: r.b.Name(), FellBack: r.fellBack}
}

// stop zeroes the motor's duty even if ctx is already done.
func (r *runner) stop(ctx context.Context, motor int) error {
	return r.b.DrivePWM(context.WithoutCancel(ctx), motor, 0)
}

func checkMotor(motor int) error {
	if motor != 1 && motor != 2 {
		return &roboclaw.Error{Kind: roboclaw.KindLogical, Op: "experiment", Err: roboclaw.ErrBadMotor}
	}
	return nil
}

func outOfRange(op, format string, args ...interface{}) error {
	return roboclaw.Errorf(roboclaw.KindLogical, op, "%w: "+format, append([]interface{}{roboclaw.ErrOutOfRange}, args...)...)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// StepConfig describes an open-loop PWM step.
type StepConfig struct {
	Motor      int `json:"motor" yaml:"motor"`
	StartPWM   int `json:"startPwm" yaml:"start_pwm"`
	StepPWM    int `json:"stepPwm" yaml:"step_pwm"`
	PreStepMs  int `json:"preStepMs" yaml:"pre_step_ms"`
	DurationMs int `json:"durationMs" yaml:"duration_ms"`
	IntervalMs int `json:"intervalMs" yaml:"interval_ms"`
}

func (c StepConfig) validate() error {
	if err := checkMotor(c.Motor); err != nil {
		return err
	}
	if c.IntervalMs <= 0 || c.DurationMs <= 0 {
		return outOfRange("step experiment", "interval %d ms, duration %d ms", c.IntervalMs, c.DurationMs)
	}
	if c.PreStepMs <= 0 || c.PreStepMs >= c.DurationMs {
		return outOfRange("step experiment", "pre-step %d ms outside (0, %d)", c.PreStepMs, c.DurationMs)
	}
	return nil
}

// RunStep holds StartPWM for PreStepMs, switches to StepPWM and samples speed
// every IntervalMs until DurationMs. The motor is stopped afterwards.
func RunStep(ctx context.Context, src Source, cfg StepConfig, opts Options) (s Series, err error) {
	if err := cfg.validate(); err != nil {
		return Series{}, err
	}
	r := newRunner(src, opts)
	if err := r.do(func(b roboclaw.MotorBackend) error { return b.DrivePWM(ctx, cfg.Motor, cfg.StartPWM) }); err != nil {
		return r.series(nil), err
	}
	defer func() { err = multierr.Append(err, r.stop(ctx, cfg.Motor)) }()

	cmd := roboclaw.ClampPWM(cfg.StartPWM)
	stepAt := time.Duration(cfg.PreStepMs) * time.Millisecond
	stepped := false
	var samples []Sample

	sampler := Sampler{
		Clock:    opts.Clock,
		Interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		Duration: time.Duration(cfg.DurationMs) * time.Millisecond,
	}
	err = sampler.Run(ctx, func(t Tick) error {
		if !stepped && t.Elapsed >= stepAt {
			if err := r.b.DrivePWM(ctx, cfg.Motor, cfg.StepPWM); err != nil {
				return err
			}
			cmd = roboclaw.ClampPWM(cfg.StepPWM)
			stepped = true
		}
		v, err := r.b.ReadSpeed(ctx, cfg.Motor)
		if err != nil {
			return err
		}
		samples = append(samples, Sample{TimeMs: ms(t.Elapsed), Velocity: float64(v), Command: float64(cmd)})
		return nil
	})
	if err != nil {
		return r.series(samples), fmt.Errorf("experiment: step on M%d: %w", cfg.Motor, err)
	}
	log.Printf("[experiment] step M%d %d -> %d: %d samples on %s", cfg.Motor, cfg.StartPWM, cfg.StepPWM, len(samples), r.b.Name())
	return r.series(samples), nil
}

// SweepConfig describes a sinusoidal sweep of the open-loop speed command,
// dithered around stop. Amplitude is in speed-byte units (at most 63).
type SweepConfig struct {
	Motor        int     `json:"motor" yaml:"motor"`
	Amplitude    float64 `json:"amplitude" yaml:"amplitude"`
	FreqStartHz  float64 `json:"freqStartHz" yaml:"freq_start_hz"`
	FreqEndHz    float64 `json:"freqEndHz" yaml:"freq_end_hz"`
	Points       int     `json:"points" yaml:"points"`
	Cycles       float64 `json:"cycles" yaml:"cycles"`
	SettleCycles float64 `json:"settleCycles" yaml:"settle_cycles"`
	IntervalMs   int     `json:"intervalMs" yaml:"interval_ms"`
}

func (c SweepConfig) validate() error {
	if err := checkMotor(c.Motor); err != nil {
		return err
	}
	switch {
	case c.Amplitude <= 0 || c.Amplitude > roboclaw.DriveSpan:
		return outOfRange("sweep experiment", "amplitude %.2f outside (0, %d]", c.Amplitude, roboclaw.DriveSpan)
	case !(c.FreqStartHz > 0) || c.FreqEndHz < c.FreqStartHz:
		return outOfRange("sweep experiment", "frequency range %.3f..%.3f Hz", c.FreqStartHz, c.FreqEndHz)
	case c.Points < 1 || c.Cycles <= 0 || c.SettleCycles < 0:
		return outOfRange("sweep experiment", "points %d, cycles %.2f, settle %.2f", c.Points, c.Cycles, c.SettleCycles)
	case c.IntervalMs <= 0:
		return outOfRange("sweep experiment", "interval %d ms", c.IntervalMs)
	}
	nyquist := 1000 / (2 * float64(c.IntervalMs))
	if c.FreqEndHz >= nyquist {
		return outOfRange("sweep experiment", "%.2f Hz at or above the %.2f Hz sampling limit", c.FreqEndHz, nyquist)
	}
	return nil
}

// Frequencies returns Points log-spaced frequencies from FreqStartHz to FreqEndHz.
func (c SweepConfig) Frequencies() []float64 {
	if c.Points == 1 {
		return []float64{c.FreqStartHz}
	}
	out := make([]float64, c.Points)
	lo, hi := math.Log(c.FreqStartHz), math.Log(c.FreqEndHz)
	for i := range out {
		out[i] = math.Exp(lo + (hi-lo)*float64(i)/float64(c.Points-1))
	}
	return out
}

// Segment is the part of a sweep run at one excitation frequency. Settle
// marks where the transient is considered over.
type Segment struct {
	FreqHz   float64  `json:"freqHz"`
	SettleMs float64  `json:"settleMs"`
	Samples  []Sample `json:"samples"`
}

// Steady returns the samples recorded after the settling time.
func (s Segment) Steady() []Sample {
	for i, smp := range s.Samples {
		if smp.TimeMs >= s.SettleMs {
			return s.Samples[i:]
		}
	}
	return nil
}

// SweepSeries is a recorded sweep.
type SweepSeries struct {
	Segments []Segment `json:"segments"`
	Backend  string    `json:"backend"`
	FellBack bool      `json:"fellBack"`
}

// RunSweep drives the speed command 64 + A·sin(2πft) for each frequency and
// records speed. Commands are stored in PWM units (full scale 32767) so the
// estimated gain is comparable with a PWM step.
func RunSweep(ctx context.Context, src Source, cfg SweepConfig, opts Options) (s SweepSeries, err error) {
	if err := cfg.validate(); err != nil {
		return SweepSeries{}, err
	}
	r := newRunner(src, opts)
	if err := r.do(func(b roboclaw.MotorBackend) error { return b.Drive(ctx, cfg.Motor, roboclaw.StopDrive) }); err != nil {
		return SweepSeries{Backend: r.b.Name(), FellBack: r.fellBack}, err
	}
	defer func() { err = multierr.Append(err, r.stop(ctx, cfg.Motor)) }()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	for _, f := range cfg.Frequencies() {
		period := 1 / f
		seg := Segment{FreqHz: f, SettleMs: cfg.SettleCycles * period * 1000}
		total := time.Duration((cfg.SettleCycles + cfg.Cycles) * period * float64(time.Second))

		sampler := Sampler{Clock: opts.Clock, Interval: interval, Duration: total}
		err = sampler.Run(ctx, func(t Tick) error {
			speed := sweepCommand(cfg.Amplitude, f, t.Elapsed)
			if err := r.b.Drive(ctx, cfg.Motor, speed); err != nil {
				return err
			}
			v, err := r.b.ReadSpeed(ctx, cfg.Motor)
			if err != nil {
				return err
			}
			seg.Samples = append(seg.Samples, Sample{
				TimeMs:   ms(t.Elapsed),
				Velocity: float64(v),
				Command:  (float64(speed) - roboclaw.StopDrive) / roboclaw.DriveSpan * roboclaw.MaxPWM,
			})
			return nil
		})
		s.Segments = append(s.Segments, seg)
		if err != nil {
			s.Backend, s.FellBack = r.b.Name(), r.fellBack
			return s, fmt.Errorf("experiment: sweep on M%d at %.3f Hz: %w", cfg.Motor, f, err)
		}
	}
	s.Backend, s.FellBack = r.b.Name(), r.fellBack
	log.Printf("[experiment] sweep M%d: %d frequencies on %s", cfg.Motor, len(s.Segments), s.Backend)
	return s, nil
}

// sweepCommand is the speed byte at elapsed time t.
func sweepCommand(amp, freq float64, t time.Duration) uint8 {
	v := roboclaw.StopDrive + amp*math.Sin(2*math.Pi*freq*t.Seconds())
	return uint8(math.Max(0, math.Min(roboclaw.MaxDrive, math.Round(v))))
}
