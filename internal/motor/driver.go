// Package motor selects between the serial controller and the simulator and
// exposes one MotorBackend that always routes to the active one.
package motor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/sim"
	"go.uber.org/multierr"
)

// Config wires a Driver to its two backends.
type Config struct {
	Controller *roboclaw.Controller
	// Hardware overrides the serial backend built on Controller.
	Hardware  roboclaw.MotorBackend
	Sim       *sim.Engine
	Simulated bool
	Clock     experiment.Clock // defaults to experiment.RealClock
}

// Driver is the process-wide entry point for motor operations. The backend
// flag is read without any lock; each call then takes only the lock of the
// backend it lands on.
//
// Experiments against the same Driver are not isolated from one another:
// individual exchanges are serialized, but two concurrent experiments
// interleave at sample granularity. Callers that need isolation must
// serialize experiments themselves.
type Driver struct {
	simulated atomic.Bool

	// configMu serializes port selection; configGen counts explicit selections.
	configMu  sync.Mutex
	configGen uint64

	ctrl  *roboclaw.Controller
	hw    roboclaw.MotorBackend
	sim   *sim.Engine
	clock experiment.Clock
}

// New builds a Driver. Missing backends get defaults.
func New(cfg Config) *Driver {
	if cfg.Controller == nil {
		cfg.Controller = roboclaw.NewController(roboclaw.ControllerConfig{})
	}
	if cfg.Sim == nil {
		cfg.Sim = sim.New(sim.Options{})
	}
	if cfg.Hardware == nil {
		cfg.Hardware = roboclaw.NewHardware(cfg.Controller)
	}
	if cfg.Clock == nil {
		cfg.Clock = experiment.RealClock
	}
	d := &Driver{
		ctrl:  cfg.Controller,
		hw:    cfg.Hardware,
		sim:   cfg.Sim,
		clock: cfg.Clock,
	}
	d.simulated.Store(cfg.Simulated)
	return d
}

// Simulated reports whether calls are routed to the simulator.
func (d *Driver) Simulated() bool { return d.simulated.Load() }

// SetSimulated switches backends without touching the serial channel.
func (d *Driver) SetSimulated(on bool) {
	if d.simulated.Swap(on) != on {
		log.Printf("[motor] backend switched to %s", d.Backend().Name())
	}
}

// Backend returns the backend selected right now.
func (d *Driver) Backend() roboclaw.MotorBackend {
	if d.simulated.Load() {
		return d.sim
	}
	return d.hw
}

// Simulator returns the simulated backend regardless of the mode flag.
func (d *Driver) Simulator() roboclaw.MotorBackend { return d.sim }

// Engine exposes the simulation engine for plant configuration.
func (d *Driver) Engine() *sim.Engine { return d.sim }

// Clock is the clock experiments on this driver sample against.
func (d *Driver) Clock() experiment.Clock { return d.clock }

// Controller exposes the serial controller handle.
func (d *Driver) Controller() *roboclaw.Controller { return d.ctrl }

// Configure selects a port. The reserved simulated port switches to the
// simulator and drops any open channel; any other port switches to hardware
// and (re)opens it. A nil baud keeps the current rate.
func (d *Driver) Configure(ctx context.Context, port string, baud *int) error {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	d.configGen++
	return d.configureLocked(ctx, port, baud)
}

// Generation identifies the most recent explicit Configure call.
func (d *Driver) Generation() uint64 {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	return d.configGen
}

// Reconnect opens port like Configure, unless Configure has been called
// since gen was taken. A superseded call changes nothing and reports true.
func (d *Driver) Reconnect(ctx context.Context, gen uint64, port string) (superseded bool, err error) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	if d.configGen != gen {
		return true, nil
	}
	return false, d.configureLocked(ctx, port, nil)
}

func (d *Driver) configureLocked(ctx context.Context, port string, baud *int) error {
	if port == roboclaw.SimulatedPort {
		d.SetSimulated(true)
		if err := d.ctrl.Detach(ctx, port); err != nil {
			log.Printf("[motor] closing serial channel: %v", err)
		}
		if baud != nil {
			return d.ctrl.SetBaud(ctx, *baud, false)
		}
		return nil
	}

	info, err := d.ctrl.Info(ctx)
	if err != nil {
		return err
	}
	rate := info.BaudRate
	if baud != nil {
		rate = *baud
	}
	d.SetSimulated(false)
	return d.ctrl.Reconfigure(ctx, port, rate)
}

// ReconfigureBaud changes the baud rate. In simulated mode the rate is only
// recorded for the next hardware connection.
func (d *Driver) ReconfigureBaud(ctx context.Context, baud int) error {
	simulated := d.Simulated()
	if err := d.ctrl.SetBaud(ctx, baud, !simulated); err != nil {
		return err
	}
	if simulated {
		log.Printf("[motor] baud rate recorded as %d (simulated)", baud)
	}
	return nil
}

// Close stops both motors on an open hardware channel and releases it.
func (d *Driver) Close(ctx context.Context) error {
	var err error
	if !d.Simulated() {
		if info, ierr := d.ctrl.Info(ctx); ierr == nil && info.Open {
			err = multierr.Append(err, d.hw.DrivePWM(ctx, 1, 0))
			err = multierr.Append(err, d.hw.DrivePWM(ctx, 2, 0))
		}
	}
	return multierr.Append(err, d.ctrl.Close(ctx))
}

func (d *Driver) Name() string { return d.Backend().Name() }

func (d *Driver) Drive(ctx context.Context, motor int, speed uint8) error {
	return d.Backend().Drive(ctx, motor, speed)
}

func (d *Driver) DrivePWM(ctx context.Context, motor int, pwm int) error {
	return d.Backend().DrivePWM(ctx, motor, pwm)
}

func (d *Driver) ReadSpeed(ctx context.Context, motor int) (int32, error) {
	return d.Backend().ReadSpeed(ctx, motor)
}

func (d *Driver) ReadCurrents(ctx context.Context) (roboclaw.Currents, error) {
	return d.Backend().ReadCurrents(ctx)
}

func (d *Driver) ReadPWM(ctx context.Context) (roboclaw.PWMReadback, error) {
	return d.Backend().ReadPWM(ctx)
}

func (d *Driver) ResetEncoder(ctx context.Context) error {
	return d.Backend().ResetEncoder(ctx)
}

func (d *Driver) ReadVelocityPID(ctx context.Context, motor int) (roboclaw.VelocityPID, error) {
	return d.Backend().ReadVelocityPID(ctx, motor)
}

func (d *Driver) WriteVelocityPID(ctx context.Context, motor int, p roboclaw.VelocityPID) error {
	return d.Backend().WriteVelocityPID(ctx, motor, p)
}

func (d *Driver) ReadPositionPID(ctx context.Context, motor int) (roboclaw.PositionPID, error) {
	return d.Backend().ReadPositionPID(ctx, motor)
}

func (d *Driver) WritePositionPID(ctx context.Context, motor int, p roboclaw.PositionPID) error {
	return d.Backend().WritePositionPID(ctx, motor, p)
}

func (d *Driver) ReadAllStatus(ctx context.Context) (roboclaw.Status, error) {
	return d.Backend().ReadAllStatus(ctx)
}

var _ roboclaw.MotorBackend = (*Driver)(nil)
