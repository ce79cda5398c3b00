package roboclaw

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeChannel records writes and replays queued replies. An empty queue
// behaves like a serial read timeout: (0, nil).
type fakeChannel struct {
	mu       sync.Mutex
	written  [][]byte
	replies  [][]byte
	writeErr error
	readErr  error
	closed   bool
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte{}, p...))
	return len(p), nil
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.replies) == 0 {
		return 0, nil
	}
	n := copy(p, f.replies[0])
	f.replies = f.replies[1:]
	return n, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) queue(replies ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeChannel) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func newTestHardware(t *testing.T) (*Hardware, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	c := NewController(ControllerConfig{
		PortPath: "/dev/ttyTEST",
		Opener: func(port string, baud int, timeout time.Duration) (Channel, error) {
			if timeout != ReadTimeout {
				t.Errorf("opened with timeout %v, want %v", timeout, ReadTimeout)
			}
			return ch, nil
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return NewHardware(c), ch
}

func withCRC(b ...byte) []byte {
	return appendCRC(append([]byte{}, b...))
}

func TestDrive_EncodesAndClamps(t *testing.T) {
	tests := []struct {
		name  string
		motor int
		speed uint8
		want  []byte
	}{
		{"motor 1 stop", 1, 64, withCRC(0x80, CmdDriveM1, 64)},
		{"motor 2 full", 2, 127, withCRC(0x80, CmdDriveM2, 127)},
		{"clamped", 1, 200, withCRC(0x80, CmdDriveM1, 127)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ch := newTestHardware(t)
			ch.queue([]byte{0xFF})
			if err := h.Drive(context.Background(), tt.motor, tt.speed); err != nil {
				t.Fatalf("Drive: %v", err)
			}
			if !bytes.Equal(ch.last(), tt.want) {
				t.Errorf("request = % X, want % X", ch.last(), tt.want)
			}
		})
	}
}

func TestDrive_RejectsNack(t *testing.T) {
	h, ch := newTestHardware(t)
	ch.queue([]byte{0x00})
	err := h.Drive(context.Background(), 1, 64)
	if !errors.Is(err, ErrBadAck) {
		t.Errorf("expected bad ack, got %v", err)
	}
}

func TestDrivePWM_BigEndianClamped(t *testing.T) {
	tests := []struct {
		pwm      int
		wantDuty int16
	}{
		{16000, 16000},
		{-1, -1},
		{40000, 32767},
		{-40000, -32767},
	}
	for _, tt := range tests {
		h, ch := newTestHardware(t)
		ch.queue(frame(0x80, CmdDrivePWMM2, 0xFF))
		if err := h.DrivePWM(context.Background(), 2, tt.pwm); err != nil {
			t.Fatalf("DrivePWM(%d): %v", tt.pwm, err)
		}
		req := ch.last()
		if req[1] != CmdDrivePWMM2 {
			t.Errorf("command = %d, want %d", req[1], CmdDrivePWMM2)
		}
		if got := int16(binary.BigEndian.Uint16(req[2:])); got != tt.wantDuty {
			t.Errorf("pwm %d: duty on wire = %d, want %d", tt.pwm, got, tt.wantDuty)
		}
		// The request CRC covers [addr, cmd, duty], the same span a reply's does.
		if _, err := ParseResponse(req[2:], req[0], req[1]); err != nil {
			t.Errorf("request CRC invalid: %v", err)
		}
	}
}

func TestReadSpeed_Direction(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		want    int32
		wantErr error
	}{
		{"forward", 0, 500, nil},
		{"reverse", 1, -500, nil},
		{"invalid", 7, 0, ErrBadStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ch := newTestHardware(t)
			ch.queue(frame(0x80, CmdReadSpeedM1, 0x00, 0x00, 0x01, 0xF4, tt.status))
			got, err := h.ReadSpeed(context.Background(), 1)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadSpeed: %v", err)
			}
			if got != tt.want {
				t.Errorf("speed = %d, want %d", got, tt.want)
			}
			if want := withCRC(0x80, CmdReadSpeedM1); !bytes.Equal(ch.last(), want) {
				t.Errorf("request = % X, want % X", ch.last(), want)
			}
		})
	}
}

func TestReadSpeed_CRCMismatchIsNeverAccepted(t *testing.T) {
	h, ch := newTestHardware(t)
	resp := frame(0x80, CmdReadSpeedM1, 0x00, 0x00, 0x01, 0xF4, 0x00)
	resp[len(resp)-1] ^= 0x01
	ch.queue(resp)
	_, err := h.ReadSpeed(context.Background(), 1)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected CRC mismatch, got %v", err)
	}
	if KindOf(err) != KindProtocol {
		t.Errorf("kind = %v, want protocol", KindOf(err))
	}
}

func TestReadCurrentsAndPWM(t *testing.T) {
	h, ch := newTestHardware(t)
	ch.queue(
		frame(0x80, CmdReadCurrents, 0x01, 0x2C, 0x00, 0x64),
		frame(0x80, CmdReadPWMs, 0x3E, 0x80, 0xFF, 0x38),
	)
	cur, err := h.ReadCurrents(context.Background())
	if err != nil {
		t.Fatalf("ReadCurrents: %v", err)
	}
	if cur.M1 != 300 || cur.M2 != 100 {
		t.Errorf("currents = %+v", cur)
	}
	pwm, err := h.ReadPWM(context.Background())
	if err != nil {
		t.Fatalf("ReadPWM: %v", err)
	}
	if pwm.M1 != 16000 || pwm.M2 != -200 {
		t.Errorf("pwm = %+v", pwm)
	}
}

func TestReadPWM_DoesNotLog(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	h, ch := newTestHardware(t)
	for i := 0; i < 3; i++ {
		ch.queue(frame(0x80, CmdReadPWMs, 0x00, 0x00, 0x00, 0x00))
		if _, err := h.ReadPWM(context.Background()); err != nil {
			t.Fatalf("ReadPWM: %v", err)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("ReadPWM logged %q", buf.String())
	}
}

func TestVelocityPID_ReadHasNoCRCAndWireOrder(t *testing.T) {
	h, ch := newTestHardware(t)
	want := VelocityPID{P: ToFixed(1.5), I: ToFixed(0.25), D: -3, QPPS: 44000}
	ch.queue(frame(0x80, CmdReadVelPID2, EncodeVelocityPID(want)...))

	got, err := h.ReadVelocityPID(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReadVelocityPID: %v", err)
	}
	if got != want {
		t.Errorf("pid = %+v, want %+v", got, want)
	}
	if req := ch.last(); !bytes.Equal(req, []byte{0x80, CmdReadVelPID2}) {
		t.Errorf("read request = % X, want 80 38 with no CRC", req)
	}

	ch.queue([]byte{0xFF})
	if err := h.WriteVelocityPID(context.Background(), 1, want); err != nil {
		t.Fatalf("WriteVelocityPID: %v", err)
	}
	req := ch.last()
	if req[1] != CmdSetVelocityPID1 || len(req) != 2+16+2 {
		t.Fatalf("write request = % X", req)
	}
	if d := int32(binary.BigEndian.Uint32(req[2:])); d != want.D {
		t.Errorf("first field on wire = %d, want D = %d", d, want.D)
	}
	if p := int32(binary.BigEndian.Uint32(req[6:])); p != want.P {
		t.Errorf("second field on wire = %d, want P = %d", p, want.P)
	}
}

func TestPositionPID_RoundTrip(t *testing.T) {
	h, ch := newTestHardware(t)
	want := PositionPID{P: 0x00010000, I: 0x00008000, D: 0x00004000, MaxI: 0x2000, Deadzone: 5, Min: -32767, Max: 32767}
	ch.queue(frame(0x80, CmdReadPosPID1, EncodePositionPID(want)...))
	got, err := h.ReadPositionPID(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadPositionPID: %v", err)
	}
	if got != want {
		t.Errorf("pid = %+v, want %+v", got, want)
	}
	if req := ch.last(); len(req) != 2 {
		t.Errorf("position PID read should carry no CRC, got % X", req)
	}
}

func TestPIDEncoding_BitExact(t *testing.T) {
	vals := []int32{0, 1, -1, 0x7FFFFFFF, -0x80000000, 65536, -98304}
	for _, v := range vals {
		vp := VelocityPID{P: v, I: ^v, D: v / 3, QPPS: -v}
		got, err := DecodeVelocityPID(EncodeVelocityPID(vp))
		if err != nil || got != vp {
			t.Errorf("velocity %d: got %+v err %v", v, got, err)
		}
		pp := PositionPID{P: v, I: ^v, D: v / 7, MaxI: -v, Deadzone: v >> 4, Min: v, Max: ^v}
		gotP, err := DecodePositionPID(EncodePositionPID(pp))
		if err != nil || gotP != pp {
			t.Errorf("position %d: got %+v err %v", v, gotP, err)
		}
	}
}

func TestFixedPoint(t *testing.T) {
	if ToFixed(1.0) != 65536 {
		t.Errorf("ToFixed(1) = %d", ToFixed(1.0))
	}
	if ToFixed(0.5) != 32768 {
		t.Errorf("ToFixed(0.5) = %d", ToFixed(0.5))
	}
	if ToFixed(-1.25) != -81920 {
		t.Errorf("ToFixed(-1.25) = %d", ToFixed(-1.25))
	}
	if FromFixed(ToFixed(3.75)) != 3.75 {
		t.Errorf("FromFixed round trip failed")
	}
}

func TestReadAllStatus(t *testing.T) {
	h, ch := newTestHardware(t)
	d := make([]byte, StatusLength)
	be := binary.BigEndian
	be.PutUint32(d[0:], 1234)
	be.PutUint32(d[4:], 0x40)
	be.PutUint16(d[8:], 253)
	be.PutUint16(d[12:], 240)
	be.PutUint16(d[16:], uint16(int16(-16000)))
	be.PutUint16(d[20:], 150)
	be.PutUint32(d[24:], 0xFFFFFFF0)
	be.PutUint32(d[28:], 42)
	be.PutUint32(d[32:], uint32(int32(-480)))
	be.PutUint16(d[54:], 9)
	ch.queue(frame(0x80, CmdReadAllStatus, d...))

	s, err := h.ReadAllStatus(context.Background())
	if err != nil {
		t.Fatalf("ReadAllStatus: %v", err)
	}
	if s.Tick != 1234 || s.ErrorFlags != 0x40 {
		t.Errorf("tick/flags = %d/0x%X", s.Tick, s.ErrorFlags)
	}
	if s.Temp1 != 25.3 || s.MainBattery != 24.0 {
		t.Errorf("temp1 = %v, battery = %v", s.Temp1, s.MainBattery)
	}
	if s.M1PWM != -16000 || s.M1Current != 1.5 {
		t.Errorf("m1 pwm = %d, current = %v", s.M1PWM, s.M1Current)
	}
	if s.M1Encoder != 0xFFFFFFF0 || s.M2Encoder != 42 || s.M1Speed != -480 || s.M2PosError != 9 {
		t.Errorf("status = %+v", s)
	}
}

func TestReadAllStatus_ShortPayload(t *testing.T) {
	h, ch := newTestHardware(t)
	ch.queue(frame(0x80, CmdReadAllStatus, make([]byte, 20)...))
	if _, err := h.ReadAllStatus(context.Background()); !errors.Is(err, ErrShortResponse) {
		t.Errorf("expected short response, got %v", err)
	}
}

func TestTransportErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		h, _ := newTestHardware(t)
		_, err := h.ReadSpeed(context.Background(), 1)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if !IsTransport(err) {
			t.Errorf("timeout should be a transport error")
		}
	})
	t.Run("read error is distinct from timeout", func(t *testing.T) {
		h, ch := newTestHardware(t)
		ch.readErr = errors.New("device unplugged")
		_, err := h.ReadSpeed(context.Background(), 1)
		if !errors.Is(err, ErrReadFailed) || errors.Is(err, ErrTimeout) {
			t.Fatalf("expected read failure, got %v", err)
		}
	})
	t.Run("write error", func(t *testing.T) {
		h, ch := newTestHardware(t)
		ch.writeErr = errors.New("broken pipe")
		if err := h.Drive(context.Background(), 1, 64); !errors.Is(err, ErrWriteFailed) {
			t.Fatalf("expected write failure, got %v", err)
		}
	})
	t.Run("no channel", func(t *testing.T) {
		h := NewHardware(NewController(ControllerConfig{}))
		err := h.ResetEncoder(context.Background())
		if !errors.Is(err, ErrNoChannel) || !IsTransport(err) {
			t.Fatalf("expected no channel transport error, got %v", err)
		}
	})
}

func TestBadMotorIndex(t *testing.T) {
	h, ch := newTestHardware(t)
	for _, motor := range []int{0, 3, -1} {
		if err := h.DrivePWM(context.Background(), motor, 0); KindOf(err) != KindLogical {
			t.Errorf("motor %d: kind = %v, want logical", motor, KindOf(err))
		}
	}
	if ch.last() != nil {
		t.Errorf("no request should reach the wire, got % X", ch.last())
	}
}

func TestExchange_LockFailure(t *testing.T) {
	h, _ := newTestHardware(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Hold the lock so acquisition has to wait on the cancelled context.
	if err := h.c.lock.Acquire(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	defer h.c.lock.Release()

	_, err := h.ReadSpeed(ctx, 1)
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected lock failure, got %v", err)
	}
	if KindOf(err) != KindConcurrency {
		t.Errorf("kind = %v, want concurrency", KindOf(err))
	}
}

func TestReconfigure_ReplacesChannel(t *testing.T) {
	var opened []string
	chans := []*fakeChannel{{}, {}}
	c := NewController(ControllerConfig{
		PortPath: "/dev/ttyACM0",
		Opener: func(port string, baud int, timeout time.Duration) (Channel, error) {
			opened = append(opened, port)
			return chans[len(opened)-1], nil
		},
	})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Reconfigure(ctx, "/dev/ttyACM1", 38400); err != nil {
		t.Fatal(err)
	}
	if !chans[0].closed {
		t.Error("old channel should be closed")
	}
	info, err := c.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.PortName != "/dev/ttyACM1" || info.BaudRate != 38400 || !info.Open {
		t.Errorf("info = %+v", info)
	}
	if err := c.Reconfigure(ctx, "/dev/ttyACM1", 0); KindOf(err) != KindLogical {
		t.Errorf("zero baud: kind = %v, want logical", KindOf(err))
	}
}
