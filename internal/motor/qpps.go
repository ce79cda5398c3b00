package motor

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat"
)

const (
	MinQPPSDuration = 200 * time.Millisecond
	qppsInterval    = 100 * time.Millisecond
)

// QPPSResult is the outcome of a full-duty encoder rate measurement.
type QPPSResult struct {
	Motor   int       `json:"motor"`
	QPPS    int32     `json:"qpps"`    // median rate, rounded
	Rates   []float64 `json:"rates"`   // counts/s per sampling interval
	Backend string    `json:"backend"` // backend the measurement ran on
}

// MeasureQPPS drives motor at full PWM for durationMs, samples its encoder
// every 100 ms through ReadAllStatus and reports the median rate. The motor
// is returned to zero duty on every exit path.
func (d *Driver) MeasureQPPS(ctx context.Context, motor int, durationMs int) (res QPPSResult, err error) {
	duration := time.Duration(durationMs) * time.Millisecond
	if duration < MinQPPSDuration {
		return res, roboclaw.Errorf(roboclaw.KindLogical, "measure qpps",
			"%w: duration %d ms, need at least %d ms", roboclaw.ErrOutOfRange, durationMs, MinQPPSDuration.Milliseconds())
	}
	if motor != 1 && motor != 2 {
		return res, &roboclaw.Error{Kind: roboclaw.KindLogical, Op: "measure qpps", Err: roboclaw.ErrBadMotor}
	}

	b := d.Backend()
	res = QPPSResult{Motor: motor, Backend: b.Name()}
	if err := b.DrivePWM(ctx, motor, roboclaw.MaxPWM); err != nil {
		return res, err
	}
	defer func() {
		if stopErr := b.DrivePWM(context.WithoutCancel(ctx), motor, 0); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
	}()

	type reading struct {
		at  time.Duration
		enc uint32
	}
	var (
		readings []reading
		lastErr  error
	)
	sampler := experiment.Sampler{Clock: d.clock, Interval: qppsInterval, Duration: duration}
	err = sampler.Run(ctx, func(t experiment.Tick) error {
		st, rerr := b.ReadAllStatus(ctx)
		if rerr != nil {
			// A lost sample only shortens the series.
			log.Printf("[motor] qpps sample %d: %v", t.Index, rerr)
			lastErr = rerr
			return nil
		}
		enc, _ := st.Encoder(motor)
		readings = append(readings, reading{at: t.Elapsed, enc: enc})
		return nil
	})
	if err != nil {
		return res, err
	}
	if len(readings) < 2 {
		if lastErr != nil {
			return res, roboclaw.Errorf(roboclaw.KindEstimation, "measure qpps",
				"%w: %d encoder samples (last error: %v)", roboclaw.ErrInsufficientData, len(readings), lastErr)
		}
		return res, roboclaw.Errorf(roboclaw.KindEstimation, "measure qpps",
			"%w: %d encoder samples", roboclaw.ErrInsufficientData, len(readings))
	}

	for i := 1; i < len(readings); i++ {
		dt := (readings[i].at - readings[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		delta := int32(readings[i].enc - readings[i-1].enc)
		res.Rates = append(res.Rates, float64(delta)/dt)
	}
	if len(res.Rates) == 0 {
		return res, roboclaw.Errorf(roboclaw.KindEstimation, "measure qpps", "%w: no usable intervals", roboclaw.ErrInsufficientData)
	}
	res.QPPS = int32(math.Round(Median(res.Rates)))
	log.Printf("[motor] M%d QPPS %d from %d intervals on %s", motor, res.QPPS, len(res.Rates), res.Backend)
	return res, nil
}

// Median returns the middle value of xs, averaging the two middle values
// for an even count. xs is not modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	// Empirical picks the lower middle; averaging with the upper one gives
	// the usual median for even lengths and leaves odd lengths unchanged.
	return (stat.Quantile(0.5, stat.Empirical, s, nil) + s[len(s)/2]) / 2
}
