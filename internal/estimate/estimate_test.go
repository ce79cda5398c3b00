package estimate

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

// firstOrderStep samples y0 + K·Δu·(1-e^{-t/τ}) on a 10 ms grid with pre
// samples at y0 before the step.
func firstOrderStep(pre, post int, k, tau, y0, u0, u1 float64) []experiment.Sample {
	var out []experiment.Sample
	for i := 0; i < pre; i++ {
		out = append(out, experiment.Sample{TimeMs: float64(i * 10), Velocity: y0, Command: u0})
	}
	t0 := float64(pre * 10)
	for i := 0; i < post; i++ {
		t := float64(i*10) / 1000
		out = append(out, experiment.Sample{
			TimeMs:   t0 + float64(i*10),
			Velocity: y0 + k*(u1-u0)*(1-math.Exp(-t/tau)),
			Command:  u1,
		})
	}
	return out
}

func TestStep_RecoversFirstOrderPlant(t *testing.T) {
	tests := []struct {
		name       string
		k, tau, y0 float64
		u0, u1     float64
		pre, post  int
	}{
		{"default sim plant", 100.0 / 32767, 0.1, 0, 0, 32767, 20, 51},
		{"slow plant long window", 0.05, 0.25, 0, 0, 10000, 10, 151},
		{"offset and negative step", 0.002, 0.08, 12, 20000, -5000, 15, 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			res, err := Step(firstOrderStep(tt.pre, tt.post, tt.k, tt.tau, tt.y0, tt.u0, tt.u1))
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(res.K).To(BeNumerically("~", tt.k, 0.02*math.Abs(tt.k)))
			g.Expect(res.Tau).To(BeNumerically("~", tt.tau, 0.02*tt.tau))
			g.Expect(res.R2).NotTo(BeNil())
			g.Expect(*res.R2).To(BeNumerically(">", 0.98))
			g.Expect(res.Y0).To(BeNumerically("~", tt.y0, 1e-9))
			g.Expect(res.StepTime).To(BeNumerically("~", float64(tt.pre*10)/1000, 1e-12))
		})
	}
}

func TestStep_NoRefineUsesTailMean(t *testing.T) {
	g := NewWithT(t)
	samples := firstOrderStep(20, 51, 100.0/32767, 0.1, 0, 0, 32767)

	raw, err := StepWithOptions(samples, StepOptions{NoRefine: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(raw.Refined).To(BeFalse())
	g.Expect(raw.YInf).To(Equal(raw.YInfTail))

	refined, err := Step(samples)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(refined.Refined).To(BeTrue())
	g.Expect(refined.YInf).To(BeNumerically(">", refined.YInfTail))
	// The tail of a 5τ window still carries transient, which biases the
	// single pass towards a faster plant.
	g.Expect(raw.Tau).To(BeNumerically("<", refined.Tau))
}

func TestStep_NoRefineMatchesHandCalculation(t *testing.T) {
	g := NewWithT(t)
	samples := firstOrderStep(20, 51, 100.0/32767, 0.1, 0, 0, 32767)

	// Tail mean over the last 20%, then an ordinary least-squares line
	// through ln|y - y_inf| against time since the step.
	n := len(samples)
	tail := samples[n*8/10:]
	var yInf float64
	for _, s := range tail {
		yInf += s.Velocity
	}
	yInf /= float64(len(tail))
	var ts, lns []float64
	for _, s := range samples[20:] {
		if e := math.Abs(s.Velocity - yInf); e >= 1e-6 {
			ts = append(ts, (s.TimeMs-200)/1000)
			lns = append(lns, math.Log(e))
		}
	}
	var mt, ml float64
	for i := range ts {
		mt += ts[i]
		ml += lns[i]
	}
	mt /= float64(len(ts))
	ml /= float64(len(ts))
	var sxy, sxx float64
	for i := range ts {
		sxy += (ts[i] - mt) * (lns[i] - ml)
		sxx += (ts[i] - mt) * (ts[i] - mt)
	}

	raw, err := StepWithOptions(samples, StepOptions{NoRefine: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(raw.YInf).To(BeNumerically("~", yInf, 1e-9))
	g.Expect(raw.K).To(BeNumerically("~", yInf/32767, 1e-12))
	g.Expect(raw.Tau).To(BeNumerically("~", -sxx/sxy, 1e-9))
}

func TestRegress(t *testing.T) {
	g := NewWithT(t)

	slope, r2, err := regress([]float64{0, 1, 2, 3}, []float64{1, 3, 5, 7})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(slope).To(BeNumerically("~", 2, 1e-12))
	g.Expect(r2).To(BeNumerically("~", 1, 1e-12))

	slope, r2, err = regress([]float64{0, 1, 2}, []float64{4, 4, 4})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(slope).To(BeNumerically("~", 0, 1e-12))
	g.Expect(r2).To(Equal(1.0))

	_, r2, err = regress([]float64{0, 1, 2, 3}, []float64{0, 1, 0, 1})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(r2).To(BeNumerically("~", 0.2, 1e-12))

	for _, xs := range [][]float64{{1, 1, 1}, {5}} {
		_, _, err := regress(xs, make([]float64, len(xs)))
		g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindEstimation), "xs=%v", xs)
	}
}

func TestStep_RiseTimeFallback(t *testing.T) {
	g := NewWithT(t)
	samples := []experiment.Sample{
		{TimeMs: 0, Velocity: 0, Command: 0},
		{TimeMs: 10, Velocity: 0, Command: 0},
		{TimeMs: 20, Velocity: 0, Command: 100},
		{TimeMs: 30, Velocity: 50, Command: 100},
	}
	for ts := 40.0; ts <= 90; ts += 10 {
		samples = append(samples, experiment.Sample{TimeMs: ts, Velocity: 50, Command: 100})
	}

	res, err := Step(samples)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.R2).To(BeNil())
	g.Expect(res.Refined).To(BeFalse())
	g.Expect(res.K).To(BeNumerically("~", 0.5, 1e-12))
	g.Expect(res.Tau).To(BeNumerically("~", 0.01, 1e-12))
}

func TestStep_Errors(t *testing.T) {
	flat := make([]experiment.Sample, 10)
	for i := range flat {
		flat[i] = experiment.Sample{TimeMs: float64(i * 10), Velocity: 3, Command: 500}
	}
	blip := make([]experiment.Sample, 10)
	for i := range blip {
		blip[i] = experiment.Sample{TimeMs: float64(i * 10)}
	}
	blip[2].Command = 10

	tests := []struct {
		name    string
		samples []experiment.Sample
		is      error
	}{
		{"too few samples", flat[:4], roboclaw.ErrInsufficientData},
		{"no step", flat, nil},
		{"command returns to start", blip, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			_, err := Step(tt.samples)
			g.Expect(err).To(HaveOccurred())
			g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindEstimation))
			if tt.is != nil {
				g.Expect(errors.Is(err, tt.is)).To(BeTrue())
			}
		})
	}
}

func singlePole(freqs []float64, k complex128, tau float64) (mags, phases []float64) {
	for _, f := range freqs {
		h := k / complex(1, 2*math.Pi*f*tau)
		mags = append(mags, cmplx.Abs(h))
		phases = append(phases, cmplx.Phase(h)*180/math.Pi)
	}
	return mags, phases
}

func logSpace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Exp(math.Log(lo) + (math.Log(hi)-math.Log(lo))*float64(i)/float64(n-1))
	}
	return out
}

func TestFitFRF_RecoversPlantOnGrid(t *testing.T) {
	g := NewWithT(t)
	freqs := logSpace(0.1, 10, 12)
	mags, phases := singlePole(freqs, 0.003, 0.1)

	// 0.1 sits exactly in the middle of a 201-point grid over [0.01, 1].
	res, err := FitFRF(freqs, mags, phases, 0.01, 1, 201)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Tau).To(BeNumerically("~", 0.1, 1e-9))
	g.Expect(res.KMag).To(BeNumerically("~", 0.003, 1e-9))
	g.Expect(res.K.Im).To(BeNumerically("~", 0, 1e-9))
	g.Expect(res.ResidualRMS).To(BeNumerically("<", 1e-9))
	g.Expect(res.FittedMag).To(HaveLen(len(freqs)))
	for i := range freqs {
		g.Expect(res.FittedMag[i]).To(BeNumerically("~", mags[i], 1e-9))
		g.Expect(res.FittedPhaseDeg[i]).To(BeNumerically("~", phases[i], 1e-6))
	}
}

func TestFitFRF_OffGridPicksNeighbour(t *testing.T) {
	g := NewWithT(t)
	freqs := logSpace(0.2, 5, 8)
	mags, phases := singlePole(freqs, 2, 0.137)

	res, err := FitFRF(freqs, mags, phases, 0.01, 1, 41)
	g.Expect(err).NotTo(HaveOccurred())
	step := math.Pow(100, 1.0/40) // grid ratio
	g.Expect(res.Tau).To(BeNumerically(">=", 0.137/step))
	g.Expect(res.Tau).To(BeNumerically("<=", 0.137*step))
}

func TestFitFRF_Errors(t *testing.T) {
	g := NewWithT(t)

	_, err := FitFRF(nil, nil, nil, 0.01, 1, 10)
	g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindEstimation))

	_, err = FitFRF([]float64{1, 2}, []float64{1}, []float64{0, 0}, 0.01, 1, 10)
	g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindEstimation))

	for _, b := range [][2]float64{{0, 1}, {-1, 1}, {1, 0.5}} {
		_, err = FitFRF([]float64{1}, []float64{1}, []float64{0}, b[0], b[1], 10)
		g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindLogical), "bounds %v", b)
	}

	// Fewer than three grid points is widened, not rejected.
	res, err := FitFRF([]float64{1}, []float64{1}, []float64{0}, 0.1, 0.1, 1)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Tau).To(BeNumerically("~", 0.1, 1e-12))
}

func TestDemodulate_WholeCycles(t *testing.T) {
	g := NewWithT(t)
	const (
		freq  = 1.0
		gain  = 0.003
		phase = -30.0
	)
	w := 2 * math.Pi * freq
	var samples []experiment.Sample
	for i := 0; i < 200; i++ { // two periods at 10 ms
		ts := float64(i) / 100
		samples = append(samples, experiment.Sample{
			TimeMs:   ts * 1000,
			Command:  500 + 1000*math.Sin(w*ts),
			Velocity: 7 + 1000*gain*math.Sin(w*ts+phase*math.Pi/180),
		})
	}

	p, err := Demodulate(samples, freq)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p.FreqHz).To(Equal(freq))
	g.Expect(p.Gain).To(BeNumerically("~", gain, 1e-9))
	g.Expect(p.PhaseDeg).To(BeNumerically("~", phase, 1e-6))
}

func TestDemodulate_Errors(t *testing.T) {
	g := NewWithT(t)

	_, err := Demodulate(make([]experiment.Sample, 3), 1)
	g.Expect(errors.Is(err, roboclaw.ErrInsufficientData)).To(BeTrue())

	flat := make([]experiment.Sample, 50)
	for i := range flat {
		flat[i] = experiment.Sample{TimeMs: float64(i * 10), Command: 100, Velocity: float64(i)}
	}
	_, err = Demodulate(flat, 1)
	g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindEstimation))

	_, err = Demodulate(flat, 0)
	g.Expect(roboclaw.KindOf(err)).To(Equal(roboclaw.KindLogical))
}

func TestFitPoints_FromDemodulatedSweep(t *testing.T) {
	g := NewWithT(t)
	var points []FRFPoint
	for _, f := range []float64{0.5, 1, 2, 2.5, 4} { // whole periods on a 10 ms grid
		h := complex(0.01, 0) / complex(1, 2*math.Pi*f*0.1)
		w := 2 * math.Pi * f
		n := int(math.Round(100 / f * 3)) // three periods at 10 ms
		var samples []experiment.Sample
		for i := 0; i < n; i++ {
			ts := float64(i) / 100
			samples = append(samples, experiment.Sample{
				TimeMs:   ts * 1000,
				Command:  1000 * math.Sin(w*ts),
				Velocity: 1000 * cmplx.Abs(h) * math.Sin(w*ts+cmplx.Phase(h)),
			})
		}
		p, err := Demodulate(samples, f)
		g.Expect(err).NotTo(HaveOccurred())
		points = append(points, p)
	}

	res, err := FitPoints(points, 0.01, 1, 201)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Tau).To(BeNumerically("~", 0.1, 1e-6))
	g.Expect(res.KMag).To(BeNumerically("~", 0.01, 1e-6))
}
