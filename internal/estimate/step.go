// Package estimate fits first-order plant models to experiment data.
package estimate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

const (
	minStepSamples = 5
	stepThreshold  = 0.5  // command units
	tailFraction   = 0.8  // steady state is averaged from here on
	minDeltaCmd    = 1e-6 // smallest usable command change
	minDeviation   = 1e-6 // |y - y_inf| below this is dropped from the log fit
	riseFraction   = 0.632
	riseTolerance  = 1e-3
	minVariance    = 1e-12

	refineFloor   = 0.05 // refinement drops deviations under 5% of the step
	refineMaxIter = 50
	refineTol     = 1e-9
)

// StepResult is a first-order model fitted to a step response.
type StepResult struct {
	K        float64  `json:"K"`     // velocity per command unit
	Tau      float64  `json:"tau_s"` // s
	Y0       float64  `json:"y0"`
	YInf     float64  `json:"y_inf"`
	StepTime float64  `json:"step_time_s"`
	R2       *float64 `json:"r2,omitempty"` // nil when the rise-time heuristic was used

	// YInfTail is the plain mean of the tail window. YInf differs from it
	// when the tail still carried part of the transient.
	YInfTail float64 `json:"y_inf_tail"`
	Refined  bool    `json:"refined"`
}

// StepOptions tunes the step estimator.
type StepOptions struct {
	// NoRefine reports the single-pass fit without correcting the tail mean.
	// K, τ and R² then match a plain tail-average fit exactly.
	NoRefine bool
}

func estimationErr(format string, args ...interface{}) error {
	return roboclaw.Errorf(roboclaw.KindEstimation, "estimate", format, args...)
}

// Step fits K and τ to a step response with default options, which include
// the tail refinement. Pass StepOptions{NoRefine: true} to StepWithOptions for
// the plain single-pass numbers: y_inf is the raw tail mean and τ comes from
// one regression, as in the classic hand calculation.
func Step(samples []experiment.Sample) (StepResult, error) {
	return StepWithOptions(samples, StepOptions{})
}

// StepWithOptions locates the command step, takes the pre-step mean as y0 and
// the mean of the last 20% as y_inf, and regresses ln|y - y_inf| on time to
// get τ. With fewer than three usable points τ falls back to the 63.2% rise
// time. Unless disabled, a successful regression is refined: y_inf is
// corrected for the exponential tail remaining in the averaging window and
// the fit is repeated until it settles.
func StepWithOptions(samples []experiment.Sample, opts StepOptions) (StepResult, error) {
	n := len(samples)
	if n < minStepSamples {
		return StepResult{}, estimationErr("%w: need at least %d samples, got %d", roboclaw.ErrInsufficientData, minStepSamples, n)
	}

	cmd0 := samples[0].Command
	step := -1
	for i, s := range samples {
		if math.Abs(s.Command-cmd0) > stepThreshold {
			step = i
			break
		}
	}
	if step < 0 {
		return StepResult{}, estimationErr("no command step found in %d samples", n)
	}
	t0 := samples[step].TimeMs

	y0 := samples[0].Velocity
	if step > 0 {
		y0 = meanOf(samples[:step], func(s experiment.Sample) float64 { return s.Velocity })
	}

	tail := samples[int(math.Floor(float64(n)*tailFraction)):]
	yTail := meanOf(tail, func(s experiment.Sample) float64 { return s.Velocity })
	cmdTail := meanOf(tail, func(s experiment.Sample) float64 { return s.Command })
	dCmd := cmdTail - cmd0
	if math.Abs(dCmd) < minDeltaCmd {
		return StepResult{}, estimationErr("command change %.3g too small", dCmd)
	}

	res := StepResult{
		K:        (yTail - y0) / dCmd,
		Y0:       y0,
		YInf:     yTail,
		YInfTail: yTail,
		StepTime: t0 / 1000,
	}
	resp := samples[step:]

	ts, lns := logDeviation(resp, t0, yTail, minDeviation)
	if len(ts) < 3 {
		tau, ok := riseTime(resp, t0, y0, yTail)
		if !ok {
			return StepResult{}, estimationErr("%w: response never reached 63.2%% of its final value", roboclaw.ErrInsufficientData)
		}
		res.Tau = tau
		return res, nil
	}

	slope, r2, err := regress(ts, lns)
	if err != nil {
		return StepResult{}, err
	}
	res.Tau = -1 / slope
	res.R2 = &r2

	if !opts.NoRefine {
		if yInf, tau, r2, ok := refine(resp, tail, t0, y0, yTail, res.Tau); ok {
			res.YInf, res.Tau, res.R2, res.Refined = yInf, tau, &r2, true
			res.K = (yInf - y0) / dCmd
		}
	}
	return res, nil
}

// refine solves for the y_inf whose tail-window mean matches the observed one
// under the current τ, refitting τ with small deviations excluded.
func refine(resp, tail []experiment.Sample, t0, y0, yTail, tau float64) (yInf, tauOut, r2 float64, ok bool) {
	yInf = yTail
	for i := 0; i < refineMaxIter; i++ {
		if !(tau > 0) || math.IsInf(tau, 0) {
			return 0, 0, 0, false
		}
		m := meanOf(tail, func(s experiment.Sample) float64 { return math.Exp(-(s.TimeMs - t0) / 1000 / tau) })
		if m >= 1 {
			return 0, 0, 0, false
		}
		next := yTail + (yTail-y0)*m/(1-m)

		floor := math.Max(minDeviation, refineFloor*math.Abs(next-y0))
		ts, lns := logDeviation(resp, t0, next, floor)
		if len(ts) < 3 {
			return 0, 0, 0, false
		}
		slope, fit, err := regress(ts, lns)
		if err != nil {
			return 0, 0, 0, false
		}
		settled := math.Abs(next-yInf) <= refineTol*math.Max(1, math.Abs(next))
		yInf, tau, r2 = next, -1/slope, fit
		if settled {
			break
		}
	}
	return yInf, tau, r2, tau > 0
}

// logDeviation returns time since the step (s) and ln|y - yInf| for every
// sample whose deviation is at least floor.
func logDeviation(resp []experiment.Sample, t0, yInf, floor float64) (ts, lns []float64) {
	for _, s := range resp {
		e := math.Abs(s.Velocity - yInf)
		if e < floor {
			continue
		}
		ts = append(ts, (s.TimeMs-t0)/1000)
		lns = append(lns, math.Log(e))
	}
	return ts, lns
}

// regress is an ordinary least-squares line fit returning slope and R².
func regress(xs, ys []float64) (slope, r2 float64, err error) {
	if v := stat.Variance(xs, nil); !(v >= minVariance) {
		return 0, 0, estimationErr("regression is degenerate: time variance %.3g", v)
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if stat.Variance(ys, nil) < minVariance {
		return beta, 1, nil
	}
	return beta, stat.RSquared(xs, ys, nil, alpha, beta), nil
}

// riseTime is the time from the step until the response first reaches 63.2%
// of its change.
func riseTime(resp []experiment.Sample, t0, y0, yInf float64) (float64, bool) {
	target := y0 + riseFraction*(yInf-y0)
	rising := yInf > y0
	for _, s := range resp {
		if math.Abs(s.Velocity-target) <= riseTolerance ||
			(rising && s.Velocity >= target) ||
			(yInf < y0 && s.Velocity <= target) {
			return (s.TimeMs - t0) / 1000, true
		}
	}
	return 0, false
}

func meanOf(samples []experiment.Sample, f func(experiment.Sample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = f(s)
	}
	return stat.Mean(xs, nil)
}

func (r StepResult) String() string {
	s := fmt.Sprintf("K=%.6g tau=%.4fs y0=%.2f y_inf=%.2f", r.K, r.Tau, r.Y0, r.YInf)
	if r.R2 != nil {
		s += fmt.Sprintf(" R²=%.4f", *r.R2)
	}
	return s
}
