// Package sim is a software stand-in for the motor controller. Each motor
// is a first-order lag plant, optionally closed by a velocity PID with the
// same structure as the firmware loop, integrated lazily from wall-clock time.
package sim

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

const (
	DefaultTau  = 0.1   // s
	DefaultGain = 100.0 // pps at full command

	subStep  = 0.01 // s
	maxDt    = 0.2  // s
	minDt    = 1e-6 // s
	pwmScale = 120.0

	currentPerPPS = 15.0

	nominalMainBattery  = 24.0
	nominalLogicBattery = 5.0
	nominalTemperature  = 25.0
)

// DefaultPositionPID is what the simulator reports before a position PID is written.
var DefaultPositionPID = roboclaw.PositionPID{
	P: 0x00010000, I: 0x00008000, D: 0x00004000, MaxI: 0x00002000,
	Deadzone: 0, Min: -roboclaw.MaxPWM, Max: roboclaw.MaxPWM,
}

// Options configures an Engine.
type Options struct {
	// Now supplies the clock the plant integrates against. Defaults to time.Now.
	Now func() time.Time
	// CarryEncoderFraction keeps the fractional pulses of each sub-step instead
	// of truncating them. Off by default, which undercounts at low speed.
	CarryEncoderFraction bool
}

type motorState struct {
	speed   uint8
	pwm     int16
	pwmMode bool

	vel     float64
	encoder uint32
	encFrac float64

	velPID roboclaw.VelocityPID
	posPID roboclaw.PositionPID
	integ  float64
	last   float64

	tau  float64
	gain float64
}

func newMotorState() motorState {
	return motorState{
		speed:  roboclaw.StopDrive,
		velPID: roboclaw.VelocityPID{QPPS: ratedQPPS(DefaultGain)},
		posPID: DefaultPositionPID,
		tau:    DefaultTau,
		gain:   DefaultGain,
	}
}

// ratedQPPS is the encoder rate at full command, which for the plant is its gain.
func ratedQPPS(gain float64) int32 {
	return int32(math.Round(math.Min(math.Abs(gain), math.MaxInt32)))
}

// Engine is the simulated controller. It implements roboclaw.MotorBackend.
// All state lives behind one lock that is held for a single state touch.
type Engine struct {
	lock  *roboclaw.Lock
	now   func() time.Time
	carry bool

	started time.Time
	last    time.Time
	stamped bool
	m       [2]motorState
}

// New creates an engine with both motors at rest and default plant parameters.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		lock:    roboclaw.NewLock(),
		now:     opts.Now,
		carry:   opts.CarryEncoderFraction,
		started: opts.Now(),
	}
	e.m[0], e.m[1] = newMotorState(), newMotorState()
	return e
}

func (e *Engine) Name() string { return "Simulated" }

// Plant describes one motor's simulated dynamics.
type Plant struct {
	Tau  float64 `json:"tau" yaml:"tau"`
	Gain float64 `json:"gain" yaml:"gain"`
}

// MotorSnapshot is a read-only copy of one motor's state.
type MotorSnapshot struct {
	Speed    uint8   `json:"speed"`
	PWM      int16   `json:"pwm"`
	PWMMode  bool    `json:"pwmMode"`
	Velocity float64 `json:"velocity"`
	Encoder  uint32  `json:"encoder"`
	Plant    Plant   `json:"plant"`
}

// withState advances the plant to now and runs fn under the lock.
func (e *Engine) withState(ctx context.Context, op string, fn func() error) error {
	if err := e.lock.Acquire(ctx, op); err != nil {
		return err
	}
	defer e.lock.Release()
	e.advance()
	return fn()
}

func (e *Engine) motor(op string, motor int) (*motorState, error) {
	if motor != 1 && motor != 2 {
		return nil, &roboclaw.Error{Kind: roboclaw.KindLogical, Op: op, Err: roboclaw.ErrBadMotor}
	}
	return &e.m[motor-1], nil
}

// advance integrates both motors over the wall-clock time since the last call.
func (e *Engine) advance() {
	now := e.now()
	if !e.stamped {
		e.last, e.stamped = now, true
		return
	}
	dt := now.Sub(e.last).Seconds()
	e.last = now
	if dt > maxDt {
		dt = maxDt
	}
	if dt <= minDt {
		return
	}
	steps := int(math.Ceil(dt / subStep))
	h := dt / float64(steps)
	for i := 0; i < steps; i++ {
		for j := range e.m {
			e.stepMotor(&e.m[j], h)
		}
	}
}

func (e *Engine) stepMotor(m *motorState, h float64) {
	u := m.command(h)
	target := m.gain * u
	m.vel += (h / m.tau) * (target - m.vel)

	pulses := m.vel * h
	if e.carry {
		pulses += m.encFrac
		whole := math.Trunc(pulses)
		m.encFrac = pulses - whole
		pulses = whole
	}
	m.encoder += uint32(int64(pulses))
}

// setpoint is the closed-loop target velocity in pps.
func (m *motorState) setpoint() float64 {
	return (float64(m.speed) - roboclaw.StopDrive) / roboclaw.DriveSpan * float64(m.velPID.QPPS)
}

func (m *motorState) closedLoop() bool {
	p := m.velPID
	return p.QPPS != 0 && (p.P != 0 || p.I != 0 || p.D != 0)
}

// command returns the normalized actuator command in [-1, 1] for one sub-step.
func (m *motorState) command(h float64) float64 {
	if m.pwmMode {
		return clamp(float64(m.pwm)/roboclaw.MaxPWM, -1, 1)
	}
	if !m.closedLoop() {
		return clamp((float64(m.speed)-roboclaw.StopDrive)/roboclaw.DriveSpan, -1, 1)
	}
	kp := roboclaw.FromFixed(m.velPID.P)
	ki := roboclaw.FromFixed(m.velPID.I)
	kd := roboclaw.FromFixed(m.velPID.D)

	e := m.setpoint() - m.vel
	m.integ += e * h
	deriv := (e - m.last) / h
	m.last = e

	out := kp*e + ki*m.integ + kd*deriv
	return clamp(out/float64(m.velPID.QPPS), -1, 1)
}

func (m *motorState) stop() {
	m.speed = roboclaw.StopDrive
	m.pwm = 0
	m.pwmMode = false
	m.vel = 0
	m.integ, m.last = 0, 0
}

func (m *motorState) pwmReadback() int32 {
	if m.pwmMode {
		return int32(m.pwm)
	}
	return int32(clamp(m.vel/pwmScale*roboclaw.MaxPWM, -roboclaw.MaxPWM, roboclaw.MaxPWM))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (e *Engine) Drive(ctx context.Context, motor int, speed uint8) error {
	return e.withState(ctx, "sim drive", func() error {
		m, err := e.motor("sim drive", motor)
		if err != nil {
			return err
		}
		m.speed = roboclaw.ClampDrive(speed)
		m.pwmMode = false
		return nil
	})
}

func (e *Engine) DrivePWM(ctx context.Context, motor int, pwm int) error {
	return e.withState(ctx, "sim drive pwm", func() error {
		m, err := e.motor("sim drive pwm", motor)
		if err != nil {
			return err
		}
		m.pwm = roboclaw.ClampPWM(pwm)
		m.pwmMode = true
		return nil
	})
}

func (e *Engine) ReadSpeed(ctx context.Context, motor int) (int32, error) {
	var v int32
	err := e.withState(ctx, "sim read speed", func() error {
		m, err := e.motor("sim read speed", motor)
		if err != nil {
			return err
		}
		v = int32(math.Round(m.vel))
		return nil
	})
	return v, err
}

func (e *Engine) ReadCurrents(ctx context.Context) (roboclaw.Currents, error) {
	var c roboclaw.Currents
	err := e.withState(ctx, "sim read currents", func() error {
		c.M1 = uint32(math.Abs(e.m[0].vel) * currentPerPPS)
		c.M2 = uint32(math.Abs(e.m[1].vel) * currentPerPPS)
		return nil
	})
	return c, err
}

func (e *Engine) ReadPWM(ctx context.Context) (roboclaw.PWMReadback, error) {
	var r roboclaw.PWMReadback
	err := e.withState(ctx, "sim read pwm", func() error {
		r.M1 = e.m[0].pwmReadback()
		r.M2 = e.m[1].pwmReadback()
		return nil
	})
	return r, err
}

// ResetEncoder zeroes both encoders and brings both motors to a stop.
func (e *Engine) ResetEncoder(ctx context.Context) error {
	return e.withState(ctx, "sim reset encoder", func() error {
		for i := range e.m {
			e.m[i].stop()
			e.m[i].encoder = 0
			e.m[i].encFrac = 0
		}
		return nil
	})
}

func (e *Engine) ReadVelocityPID(ctx context.Context, motor int) (roboclaw.VelocityPID, error) {
	var p roboclaw.VelocityPID
	err := e.withState(ctx, "sim read velocity pid", func() error {
		m, err := e.motor("sim read velocity pid", motor)
		if err != nil {
			return err
		}
		p = m.velPID
		return nil
	})
	return p, err
}

// WriteVelocityPID replaces the gains and clears the loop's integrator.
func (e *Engine) WriteVelocityPID(ctx context.Context, motor int, p roboclaw.VelocityPID) error {
	return e.withState(ctx, "sim write velocity pid", func() error {
		m, err := e.motor("sim write velocity pid", motor)
		if err != nil {
			return err
		}
		m.velPID = p
		m.integ, m.last = 0, 0
		log.Printf("[sim] M%d velocity PID P=%.4f I=%.4f D=%.4f QPPS=%d",
			motor, roboclaw.FromFixed(p.P), roboclaw.FromFixed(p.I), roboclaw.FromFixed(p.D), p.QPPS)
		return nil
	})
}

func (e *Engine) ReadPositionPID(ctx context.Context, motor int) (roboclaw.PositionPID, error) {
	var p roboclaw.PositionPID
	err := e.withState(ctx, "sim read position pid", func() error {
		m, err := e.motor("sim read position pid", motor)
		if err != nil {
			return err
		}
		p = m.posPID
		return nil
	})
	return p, err
}

func (e *Engine) WritePositionPID(ctx context.Context, motor int, p roboclaw.PositionPID) error {
	return e.withState(ctx, "sim write position pid", func() error {
		m, err := e.motor("sim write position pid", motor)
		if err != nil {
			return err
		}
		m.posPID = p
		return nil
	})
}

// ReadAllStatus synthesizes a full status frame from the simulated state.
func (e *Engine) ReadAllStatus(ctx context.Context) (roboclaw.Status, error) {
	var s roboclaw.Status
	err := e.withState(ctx, "sim read all status", func() error {
		m1, m2 := &e.m[0], &e.m[1]
		s = roboclaw.Status{
			Tick:        uint32(e.last.Sub(e.started).Milliseconds()),
			Temp1:       nominalTemperature,
			Temp2:       nominalTemperature,
			MainBattery: nominalMainBattery,
			LogicBatt:   nominalLogicBattery,

			M1PWM:     int16(m1.pwmReadback()),
			M2PWM:     int16(m2.pwmReadback()),
			M1Current: math.Abs(m1.vel) * currentPerPPS / 100,
			M2Current: math.Abs(m2.vel) * currentPerPPS / 100,

			M1Encoder: m1.encoder,
			M2Encoder: m2.encoder,

			M1Speed:        int32(math.Round(m1.vel)),
			M2Speed:        int32(math.Round(m2.vel)),
			M1InstantSpeed: int32(math.Round(m1.vel)),
			M2InstantSpeed: int32(math.Round(m2.vel)),

			M1SpeedError: m1.speedError(),
			M2SpeedError: m2.speedError(),
		}
		return nil
	})
	return s, err
}

// speedError is |setpoint - velocity| while the velocity loop is active.
func (m *motorState) speedError() uint16 {
	if m.pwmMode || !m.closedLoop() {
		return 0
	}
	return uint16(clamp(math.Abs(m.setpoint()-m.vel), 0, math.MaxUint16))
}

// SetPlant changes one motor's time constant (s) and gain (pps at full command).
func (e *Engine) SetPlant(ctx context.Context, motor int, p Plant) error {
	if !(p.Tau > 0) || math.IsInf(p.Tau, 0) || math.IsNaN(p.Gain) || math.IsInf(p.Gain, 0) {
		return roboclaw.Errorf(roboclaw.KindLogical, "sim set plant", "%w: tau=%v gain=%v", roboclaw.ErrOutOfRange, p.Tau, p.Gain)
	}
	return e.withState(ctx, "sim set plant", func() error {
		m, err := e.motor("sim set plant", motor)
		if err != nil {
			return err
		}
		m.tau, m.gain = p.Tau, p.Gain
		// Until loop gains are written, the stored QPPS follows the plant.
		if m.velPID.P == 0 && m.velPID.I == 0 && m.velPID.D == 0 {
			m.velPID.QPPS = ratedQPPS(p.Gain)
		}
		log.Printf("[sim] M%d plant tau=%.4f s gain=%.2f pps", motor, p.Tau, p.Gain)
		return nil
	})
}

// Reset returns both motors to power-on state, keeping their plant parameters.
// The stored velocity PID goes back to no gains with the plant's rated QPPS.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.lock.Acquire(ctx, "sim reset"); err != nil {
		return err
	}
	defer e.lock.Release()
	for i := range e.m {
		tau, gain := e.m[i].tau, e.m[i].gain
		e.m[i] = newMotorState()
		e.m[i].tau, e.m[i].gain = tau, gain
		e.m[i].velPID.QPPS = ratedQPPS(gain)
	}
	e.stamped = false
	return nil
}

// Snapshot advances the plant and returns a copy of one motor's state.
func (e *Engine) Snapshot(ctx context.Context, motor int) (MotorSnapshot, error) {
	var s MotorSnapshot
	err := e.withState(ctx, "sim snapshot", func() error {
		m, err := e.motor("sim snapshot", motor)
		if err != nil {
			return err
		}
		s = MotorSnapshot{
			Speed: m.speed, PWM: m.pwm, PWMMode: m.pwmMode,
			Velocity: m.vel, Encoder: m.encoder,
			Plant: Plant{Tau: m.tau, Gain: m.gain},
		}
		return nil
	})
	return s, err
}

var _ roboclaw.MotorBackend = (*Engine)(nil)
