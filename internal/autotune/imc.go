// Package autotune identifies a motor's velocity plant and synthesizes
// velocity PID gains for it by Internal Model Control.
package autotune

import (
	"fmt"
	"math"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

const (
	DefaultLambdaScale = 0.5
	MinLambdaScale     = 0.05
	MaxLambdaScale     = 5.0

	minPlantGain = 1e-9
)

// Plant is a first-order velocity model: K pps per PWM unit, τ in seconds.
type Plant struct {
	K   float64 `json:"K"`
	Tau float64 `json:"tau_s"`
}

// Gains is an IMC design and its device encoding.
type Gains struct {
	KEff   float64 `json:"kEff"`   // plant gain normalized to QPPS
	Lambda float64 `json:"lambda"` // closed-loop time constant, s
	Kc     float64 `json:"kc"`
	Ti     float64 `json:"ti"`
	Kd     float64 `json:"kd"`

	PID roboclaw.VelocityPID `json:"pid"`
}

// ClampLambdaScale maps a requested λ/τ ratio into the supported range.
// Zero selects the default.
func ClampLambdaScale(s float64) float64 {
	if s == 0 || math.IsNaN(s) {
		return DefaultLambdaScale
	}
	return math.Max(MinLambdaScale, math.Min(MaxLambdaScale, s))
}

// SynthesizeIMC designs a PI velocity loop for plant against the stored
// QPPS. The plant gain is scaled to the full PWM range and normalized by
// QPPS so it matches the firmware's per-QPPS loop, then
//
//	λ = scale·τ, Kc = τ/(K_eff·λ), Ti = τ, Kd = 0
//
// with P = Kc and I = Kc/Ti encoded as 16.16 fixed point.
func SynthesizeIMC(plant Plant, qpps int32, lambdaScale float64) (Gains, error) {
	if qpps == 0 {
		return Gains{}, roboclaw.Errorf(roboclaw.KindLogical, "synthesize",
			"%w: stored QPPS is 0, measure it first", roboclaw.ErrOutOfRange)
	}
	if math.IsNaN(plant.K) || math.Abs(plant.K) < minPlantGain {
		return Gains{}, roboclaw.Errorf(roboclaw.KindEstimation, "synthesize", "plant gain %.3g too small", plant.K)
	}
	kEff := plant.K * roboclaw.MaxPWM / float64(qpps)
	lambda := ClampLambdaScale(lambdaScale) * plant.Tau
	if !(lambda > 0) {
		return Gains{}, roboclaw.Errorf(roboclaw.KindEstimation, "synthesize", "lambda %.3g from tau %.3g is not positive", lambda, plant.Tau)
	}

	g := Gains{KEff: kEff, Lambda: lambda}
	g.Kc = plant.Tau / (kEff * lambda)
	g.Ti = plant.Tau
	g.PID = roboclaw.VelocityPID{
		P:    roboclaw.ToFixed(g.Kc),
		I:    roboclaw.ToFixed(g.Kc / g.Ti),
		D:    0,
		QPPS: qpps,
	}
	return g, nil
}

func (g Gains) String() string {
	return fmt.Sprintf("Kc=%.4f Ti=%.4fs lambda=%.4fs -> P=%d I=%d D=%d QPPS=%d",
		g.Kc, g.Ti, g.Lambda, g.PID.P, g.PID.I, g.PID.D, g.PID.QPPS)
}
