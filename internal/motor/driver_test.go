package motor

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/sim"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return ctx.Err()
}

// scriptedBackend serves encoder counts from a script and records PWM writes.
type scriptedBackend struct {
	roboclaw.MotorBackend // unused methods panic

	encoders []uint32
	failFrom int // reads at or past this index fail; 0 disables
	reads    int
	pwm      []int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) DrivePWM(_ context.Context, motor int, pwm int) error {
	b.pwm = append(b.pwm, pwm)
	return nil
}

func (b *scriptedBackend) ReadAllStatus(context.Context) (roboclaw.Status, error) {
	i := b.reads
	b.reads++
	if (b.failFrom > 0 && i >= b.failFrom) || i >= len(b.encoders) {
		return roboclaw.Status{}, &roboclaw.Error{Kind: roboclaw.KindTransport, Op: "read all status", Err: roboclaw.ErrTimeout}
	}
	return roboclaw.Status{M2Encoder: b.encoders[i]}, nil
}

func newScriptedDriver(b roboclaw.MotorBackend, clk *fakeClock) *Driver {
	return New(Config{Hardware: b, Clock: clk})
}

func TestMeasureQPPS_RejectsShortDuration(t *testing.T) {
	d := New(Config{Simulated: true, Clock: newFakeClock()})
	for _, ms := range []int{0, 100, 199} {
		_, err := d.MeasureQPPS(context.Background(), 1, ms)
		if !errors.Is(err, roboclaw.ErrOutOfRange) || roboclaw.KindOf(err) != roboclaw.KindLogical {
			t.Errorf("%d ms: expected logical out-of-range error, got %v", ms, err)
		}
	}
}

func TestMeasureQPPS_TooFewSamples(t *testing.T) {
	b := &scriptedBackend{encoders: []uint32{0, 1000, 2000}, failFrom: 1}
	d := newScriptedDriver(b, newFakeClock())

	_, err := d.MeasureQPPS(context.Background(), 2, 300)
	if !errors.Is(err, roboclaw.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if roboclaw.KindOf(err) != roboclaw.KindEstimation {
		t.Errorf("kind = %v, want estimation", roboclaw.KindOf(err))
	}
	if len(b.pwm) != 2 || b.pwm[0] != roboclaw.MaxPWM || b.pwm[1] != 0 {
		t.Errorf("pwm writes = %v, want full duty then 0", b.pwm)
	}
}

func TestMeasureQPPS_MedianIgnoresOutlier(t *testing.T) {
	// Every interval moves 1000 counts except one glitch of 28000.
	b := &scriptedBackend{encoders: []uint32{0, 1000, 2000, 30000, 31000, 32000}}
	d := newScriptedDriver(b, newFakeClock())

	res, err := d.MeasureQPPS(context.Background(), 2, 500)
	if err != nil {
		t.Fatalf("MeasureQPPS: %v", err)
	}
	if res.QPPS != 10000 {
		t.Errorf("QPPS = %d, want 10000", res.QPPS)
	}
	if len(res.Rates) != 5 {
		t.Fatalf("rates = %v, want 5 intervals", res.Rates)
	}
	mean := 0.0
	for _, r := range res.Rates {
		mean += r
	}
	mean /= float64(len(res.Rates))
	if math.Abs(mean-10000) < 1000 {
		t.Errorf("mean %.0f should be pulled away by the outlier", mean)
	}
	if last := b.pwm[len(b.pwm)-1]; last != 0 {
		t.Errorf("final pwm = %d, want 0", last)
	}
}

func TestMeasureQPPS_EncoderWrap(t *testing.T) {
	b := &scriptedBackend{encoders: []uint32{0xFFFFFF00, 0x00000100, 0x00000300}}
	d := newScriptedDriver(b, newFakeClock())
	res, err := d.MeasureQPPS(context.Background(), 2, 200)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Rates[0]-5120) > 1e-6 || math.Abs(res.Rates[1]-5120) > 1e-6 {
		t.Errorf("rates = %v, want 5120 across the wrap", res.Rates)
	}
}

func TestMeasureQPPS_Simulated(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	engine := sim.New(sim.Options{Now: clk.Now, CarryEncoderFraction: true})
	if err := engine.SetPlant(ctx, 1, sim.Plant{Tau: 0.1, Gain: 3000}); err != nil {
		t.Fatal(err)
	}
	d := New(Config{Sim: engine, Simulated: true, Clock: clk})

	res, err := d.MeasureQPPS(ctx, 1, 1000)
	if err != nil {
		t.Fatalf("MeasureQPPS: %v", err)
	}
	if math.Abs(float64(res.QPPS)-3000) > 0.03*3000 {
		t.Errorf("QPPS = %d, want about 3000 (rates %v)", res.QPPS, res.Rates)
	}
	snap, _ := engine.Snapshot(ctx, 1)
	if snap.PWM != 0 {
		t.Errorf("pwm after measurement = %d, want 0", snap.PWM)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{3}, 3},
		{[]float64{5, 1, 3}, 3},
		{[]float64{4, 1, 3, 2}, 2.5},
		{[]float64{1, 1, 1, 1e9}, 1},
		{[]float64{9, 2, 7, 4, 5, 1}, 4.5},
		{[]float64{2900, 3010, 2950, 2980, 2990}, 2980},
	}
	for _, tt := range tests {
		in := append([]float64(nil), tt.in...)
		if got := Median(tt.in); got != tt.want {
			t.Errorf("Median(%v) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range in {
			if in[i] != tt.in[i] {
				t.Errorf("Median reordered its input to %v", tt.in)
				break
			}
		}
	}
}

type nopChannel struct{ closed bool }

func (c *nopChannel) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *nopChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *nopChannel) Close() error                { c.closed = true; return nil }

func TestConfigure_SimulatedSentinel(t *testing.T) {
	ctx := context.Background()
	var opened []string
	ch := &nopChannel{}
	ctrl := roboclaw.NewController(roboclaw.ControllerConfig{
		Opener: func(port string, baud int, timeout time.Duration) (roboclaw.Channel, error) {
			opened = append(opened, port)
			return ch, nil
		},
	})
	d := New(Config{Controller: ctrl})

	baud := 38400
	if err := d.Configure(ctx, "/dev/ttyACM3", &baud); err != nil {
		t.Fatal(err)
	}
	if d.Simulated() {
		t.Fatal("real port should select hardware")
	}
	if d.Name() != "RoboClaw (serial)" {
		t.Errorf("backend = %q", d.Name())
	}

	if err := d.Configure(ctx, roboclaw.SimulatedPort, nil); err != nil {
		t.Fatal(err)
	}
	if !d.Simulated() || d.Name() != "Simulated" {
		t.Errorf("sentinel should select the simulator, got %q", d.Name())
	}
	if !ch.closed {
		t.Error("serial channel should be dropped in simulated mode")
	}
	info, _ := ctrl.Info(ctx)
	if info.Open || info.PortName != roboclaw.SimulatedPort || info.BaudRate != 38400 {
		t.Errorf("controller info = %+v", info)
	}

	// Simulated calls never reach the transport.
	if err := d.Drive(ctx, 1, 100); err != nil {
		t.Errorf("simulated drive: %v", err)
	}
	if len(opened) != 1 {
		t.Errorf("opened = %v, want one open", opened)
	}

	if err := d.ReconfigureBaud(ctx, 9600); err != nil {
		t.Fatal(err)
	}
	if len(opened) != 1 {
		t.Error("baud change in simulated mode must not reopen the port")
	}
	info, _ = ctrl.Info(ctx)
	if info.BaudRate != 9600 {
		t.Errorf("baud = %d, want 9600", info.BaudRate)
	}
}

func TestHardwareWithoutChannelIsTransportError(t *testing.T) {
	d := New(Config{})
	_, err := d.ReadSpeed(context.Background(), 1)
	if !roboclaw.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("close without channel: %v", err)
	}
}

func TestReconnect_SupersededByConfigure(t *testing.T) {
	ctx := context.Background()
	opens := 0
	ctrl := roboclaw.NewController(roboclaw.ControllerConfig{
		Opener: func(port string, baud int, timeout time.Duration) (roboclaw.Channel, error) {
			opens++
			return nil, errors.New("no such device")
		},
	})
	d := New(Config{Controller: ctrl})

	gen := d.Generation()
	superseded, err := d.Reconnect(ctx, gen, "/dev/ttyACM0")
	if superseded || !roboclaw.IsTransport(err) {
		t.Fatalf("first attempt: superseded=%v err=%v, want a transport error", superseded, err)
	}

	if err := d.Configure(ctx, roboclaw.SimulatedPort, nil); err != nil {
		t.Fatal(err)
	}
	superseded, err = d.Reconnect(ctx, gen, "/dev/ttyACM0")
	if !superseded || err != nil {
		t.Fatalf("after Configure: superseded=%v err=%v", superseded, err)
	}
	if !d.Simulated() {
		t.Error("a stale reconnect switched the driver back to hardware")
	}
	if _, err := d.ReadSpeed(ctx, 1); err != nil {
		t.Errorf("simulated read: %v", err)
	}
	if opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}
}
