package roboclaw

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
)

// Hardware is the MotorBackend that talks to a real controller through a
// Controller handle.
type Hardware struct {
	c *Controller
}

// NewHardware wraps a controller handle.
func NewHardware(c *Controller) *Hardware {
	return &Hardware{c: c}
}

func (h *Hardware) Name() string { return "RoboClaw (serial)" }

// Controller returns the underlying handle.
func (h *Hardware) Controller() *Controller { return h.c }

// request builds [addr, cmd, fields...], appends the CRC unless cmd is one of
// the CRC-less reads, and performs one exchange.
func (h *Hardware) request(ctx context.Context, cmd byte, fields ...byte) ([]byte, error) {
	pkt := make([]byte, 0, 4+len(fields))
	pkt = append(pkt, h.c.Address(), cmd)
	pkt = append(pkt, fields...)
	if !noCRCRead[cmd] {
		pkt = appendCRC(pkt)
	}
	return h.c.Exchange(ctx, pkt)
}

// read performs a request and returns a CRC-validated payload of at least n bytes.
func (h *Hardware) read(ctx context.Context, op string, cmd byte, n int) ([]byte, error) {
	resp, err := h.request(ctx, cmd)
	if err != nil {
		return nil, wrap(op, err)
	}
	payload, err := ParseResponse(resp, h.c.Address(), cmd)
	if err != nil {
		log.Printf("[roboclaw] %s: % X: %v", op, resp, err)
		return nil, wrap(op, err)
	}
	if err := requirePayload(payload, n); err != nil {
		return nil, wrap(op, err)
	}
	return payload, nil
}

// write performs a request that is answered with an acknowledgement.
func (h *Hardware) write(ctx context.Context, op string, cmd byte, fields ...byte) error {
	resp, err := h.request(ctx, cmd, fields...)
	if err != nil {
		return wrap(op, err)
	}
	return wrap(op, checkAck(resp, h.c.Address(), cmd))
}

func (h *Hardware) Drive(ctx context.Context, motor int, speed uint8) error {
	cmd, err := motorCmd(motor, CmdDriveM1, CmdDriveM2)
	if err != nil {
		return wrap("drive", err)
	}
	return h.write(ctx, "drive", cmd, ClampDrive(speed))
}

func (h *Hardware) DrivePWM(ctx context.Context, motor int, pwm int) error {
	cmd, err := motorCmd(motor, CmdDrivePWMM1, CmdDrivePWMM2)
	if err != nil {
		return wrap("drive pwm", err)
	}
	duty := uint16(ClampPWM(pwm))
	return h.write(ctx, "drive pwm", cmd, byte(duty>>8), byte(duty))
}

func (h *Hardware) ReadSpeed(ctx context.Context, motor int) (int32, error) {
	cmd, err := motorCmd(motor, CmdReadSpeedM1, CmdReadSpeedM2)
	if err != nil {
		return 0, wrap("read speed", err)
	}
	d, err := h.read(ctx, "read speed", cmd, 5)
	if err != nil {
		return 0, err
	}
	speed := int32(binary.BigEndian.Uint32(d))
	switch d[4] {
	case 0:
		return speed, nil
	case 1:
		return -speed, nil
	default:
		return 0, wrap("read speed", fmt.Errorf("%w: 0x%02X", ErrBadStatus, d[4]))
	}
}

func (h *Hardware) ReadCurrents(ctx context.Context) (Currents, error) {
	d, err := h.read(ctx, "read currents", CmdReadCurrents, 4)
	if err != nil {
		return Currents{}, err
	}
	return Currents{
		M1: uint32(binary.BigEndian.Uint16(d[0:])),
		M2: uint32(binary.BigEndian.Uint16(d[2:])),
	}, nil
}

func (h *Hardware) ReadPWM(ctx context.Context) (PWMReadback, error) {
	d, err := h.read(ctx, "read pwm", CmdReadPWMs, 4)
	if err != nil {
		return PWMReadback{}, err
	}
	r := PWMReadback{
		M1: int32(int16(binary.BigEndian.Uint16(d[0:]))),
		M2: int32(int16(binary.BigEndian.Uint16(d[2:]))),
	}
	return r, nil
}

func (h *Hardware) ResetEncoder(ctx context.Context) error {
	return h.write(ctx, "reset encoder", CmdResetEncoders)
}

func (h *Hardware) ReadVelocityPID(ctx context.Context, motor int) (VelocityPID, error) {
	cmd, err := motorCmd(motor, CmdReadVelPID1, CmdReadVelPID2)
	if err != nil {
		return VelocityPID{}, wrap("read velocity pid", err)
	}
	d, err := h.read(ctx, "read velocity pid", cmd, 16)
	if err != nil {
		return VelocityPID{}, err
	}
	return DecodeVelocityPID(d)
}

func (h *Hardware) WriteVelocityPID(ctx context.Context, motor int, p VelocityPID) error {
	cmd, err := motorCmd(motor, CmdSetVelocityPID1, CmdSetVelocityPID2)
	if err != nil {
		return wrap("write velocity pid", err)
	}
	return h.write(ctx, "write velocity pid", cmd, EncodeVelocityPID(p)...)
}

func (h *Hardware) ReadPositionPID(ctx context.Context, motor int) (PositionPID, error) {
	cmd, err := motorCmd(motor, CmdReadPosPID1, CmdReadPosPID2)
	if err != nil {
		return PositionPID{}, wrap("read position pid", err)
	}
	d, err := h.read(ctx, "read position pid", cmd, 28)
	if err != nil {
		return PositionPID{}, err
	}
	return DecodePositionPID(d)
}

func (h *Hardware) WritePositionPID(ctx context.Context, motor int, p PositionPID) error {
	cmd, err := motorCmd(motor, CmdSetPositionPID1, CmdSetPositionPID2)
	if err != nil {
		return wrap("write position pid", err)
	}
	return h.write(ctx, "write position pid", cmd, EncodePositionPID(p)...)
}

func (h *Hardware) ReadAllStatus(ctx context.Context) (Status, error) {
	d, err := h.read(ctx, "read all status", CmdReadAllStatus, StatusLength)
	if err != nil {
		return Status{}, err
	}
	return DecodeStatus(d)
}
