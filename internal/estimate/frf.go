package estimate

import (
	"math"
	"math/cmplx"

	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

const minTauPoints = 3

// Complex is a JSON-friendly complex number.
type Complex struct {
	Re float64 `json:"re"`
	Im float64 `json:"im"`
}

// FRFResult is a single-pole model K/(1+jωτ) fitted to a frequency response.
type FRFResult struct {
	K              Complex   `json:"K"`
	KMag           float64   `json:"K_mag"`
	Tau            float64   `json:"tau_s"`
	ResidualRMS    float64   `json:"residual_rms"`
	FittedMag      []float64 `json:"fitted_mag"`
	FittedPhaseDeg []float64 `json:"fitted_phase"`
}

// FRFPoint is one measured point of a frequency response.
type FRFPoint struct {
	FreqHz   float64 `json:"freqHz"`
	Gain     float64 `json:"gain"`
	PhaseDeg float64 `json:"phaseDeg"`
}

func basis(freqHz, tau float64) complex128 {
	w := 2 * math.Pi * freqHz
	return 1 / complex(1, w*tau)
}

// FitFRF grid-searches τ over tauPoints log-spaced values in [tauMin, tauMax].
// For each τ the complex gain is the closed-form least-squares solution and
// the τ with the smallest mean squared residual wins.
func FitFRF(freqsHz, gains, phasesDeg []float64, tauMin, tauMax float64, tauPoints int) (FRFResult, error) {
	n := len(freqsHz)
	if n == 0 || n != len(gains) || n != len(phasesDeg) {
		return FRFResult{}, estimationErr("%w: arrays must share a non-zero length (got %d, %d, %d)",
			roboclaw.ErrInsufficientData, len(freqsHz), len(gains), len(phasesDeg))
	}
	if !(tauMin > 0) || !(tauMax >= tauMin) || math.IsInf(tauMax, 0) {
		return FRFResult{}, roboclaw.Errorf(roboclaw.KindLogical, "estimate",
			"%w: tau bounds [%g, %g]", roboclaw.ErrOutOfRange, tauMin, tauMax)
	}

	meas := make([]complex128, n)
	for i := range meas {
		meas[i] = cmplx.Rect(gains[i], phasesDeg[i]*math.Pi/180)
	}

	pts := tauPoints
	if pts < minTauPoints {
		pts = minTauPoints
	}
	logMin, logMax := math.Log(tauMin), math.Log(tauMax)

	var (
		bestK   complex128
		bestTau = tauMin
		bestErr = math.Inf(1)
	)
	for j := 0; j < pts; j++ {
		tau := math.Exp(logMin + float64(j)/float64(pts-1)*(logMax-logMin))

		var num, den complex128
		for i := range meas {
			b := basis(freqsHz[i], tau)
			den += cmplx.Conj(b) * b
			num += meas[i] * cmplx.Conj(b)
		}
		if real(den)*real(den)+imag(den)*imag(den) == 0 {
			continue
		}
		k := num / den

		var sum float64
		for i := range meas {
			d := k*basis(freqsHz[i], tau) - meas[i]
			sum += real(d)*real(d) + imag(d)*imag(d)
		}
		mse := sum / float64(n)
		if !math.IsNaN(mse) && !math.IsInf(mse, 0) && mse < bestErr {
			bestErr, bestTau, bestK = mse, tau, k
		}
	}
	if math.IsInf(bestErr, 1) {
		return FRFResult{}, estimationErr("%w: no tau in [%g, %g] produced a finite fit", roboclaw.ErrInsufficientData, tauMin, tauMax)
	}

	res := FRFResult{
		K:              Complex{Re: real(bestK), Im: imag(bestK)},
		KMag:           cmplx.Abs(bestK),
		Tau:            bestTau,
		ResidualRMS:    math.Sqrt(bestErr),
		FittedMag:      make([]float64, n),
		FittedPhaseDeg: make([]float64, n),
	}
	for i, f := range freqsHz {
		m := bestK * basis(f, bestTau)
		res.FittedMag[i] = cmplx.Abs(m)
		res.FittedPhaseDeg[i] = cmplx.Phase(m) * 180 / math.Pi
	}
	return res, nil
}

// FitPoints is FitFRF over demodulated sweep points.
func FitPoints(points []FRFPoint, tauMin, tauMax float64, tauPoints int) (FRFResult, error) {
	freqs := make([]float64, len(points))
	gains := make([]float64, len(points))
	phases := make([]float64, len(points))
	for i, p := range points {
		freqs[i], gains[i], phases[i] = p.FreqHz, p.Gain, p.PhaseDeg
	}
	return FitFRF(freqs, gains, phases, tauMin, tauMax, tauPoints)
}

// Demodulate measures the response of velocity to command at freqHz by
// correlating both against a complex exponential at that frequency (lock-in
// detection). Means are removed first, so a DC offset in either does not
// leak into the estimate. Best results come from whole excitation periods.
func Demodulate(samples []experiment.Sample, freqHz float64) (FRFPoint, error) {
	if len(samples) < 4 {
		return FRFPoint{}, estimationErr("%w: %d samples at %.3f Hz", roboclaw.ErrInsufficientData, len(samples), freqHz)
	}
	if !(freqHz > 0) {
		return FRFPoint{}, roboclaw.Errorf(roboclaw.KindLogical, "estimate", "%w: frequency %g Hz", roboclaw.ErrOutOfRange, freqHz)
	}
	cMean := meanOf(samples, func(s experiment.Sample) float64 { return s.Command })
	vMean := meanOf(samples, func(s experiment.Sample) float64 { return s.Velocity })

	w := 2 * math.Pi * freqHz
	var u, y complex128
	for _, s := range samples {
		ref := cmplx.Exp(complex(0, -w*s.TimeMs/1000))
		u += complex(s.Command-cMean, 0) * ref
		y += complex(s.Velocity-vMean, 0) * ref
	}
	if cmplx.Abs(u) < 1e-9 {
		return FRFPoint{}, estimationErr("no excitation at %.3f Hz", freqHz)
	}
	h := y / u
	return FRFPoint{FreqHz: freqHz, Gain: cmplx.Abs(h), PhaseDeg: cmplx.Phase(h) * 180 / math.Pi}, nil
}
