package roboclaw

import "context"

// MotorBackend is the capability set shared by the real controller and the
// simulator. Motor indexes are 1 or 2.
type MotorBackend interface {
	// Name returns a human-readable backend name.
	Name() string

	// Drive sets the open-loop speed byte (0..127, 64 = stop).
	Drive(ctx context.Context, motor int, speed uint8) error
	// DrivePWM sets a signed duty cycle, clamped to ±32767.
	DrivePWM(ctx context.Context, motor int, pwm int) error

	// ReadSpeed returns the signed encoder rate in pulses per second.
	ReadSpeed(ctx context.Context, motor int) (int32, error)
	ReadCurrents(ctx context.Context) (Currents, error)
	ReadPWM(ctx context.Context) (PWMReadback, error)
	ResetEncoder(ctx context.Context) error

	ReadVelocityPID(ctx context.Context, motor int) (VelocityPID, error)
	WriteVelocityPID(ctx context.Context, motor int, p VelocityPID) error
	ReadPositionPID(ctx context.Context, motor int) (PositionPID, error)
	WritePositionPID(ctx context.Context, motor int, p PositionPID) error

	ReadAllStatus(ctx context.Context) (Status, error)
}

// Currents holds motor currents in 10 mA units.
type Currents struct {
	M1 uint32 `json:"m1"`
	M2 uint32 `json:"m2"`
}

// PWMReadback holds the duty cycles currently applied (±32767).
type PWMReadback struct {
	M1 int32 `json:"m1"`
	M2 int32 `json:"m2"`
}

// DutyPercent converts a raw duty to percent.
func DutyPercent(pwm int32) float64 {
	return float64(pwm) / 327.67
}

// ClampDrive limits an open-loop speed byte to 0..127.
func ClampDrive(speed uint8) uint8 {
	if speed > MaxDrive {
		return MaxDrive
	}
	return speed
}

// ClampPWM limits a duty value to ±32767.
func ClampPWM(pwm int) int16 {
	if pwm > MaxPWM {
		return MaxPWM
	}
	if pwm < -MaxPWM {
		return -MaxPWM
	}
	return int16(pwm)
}
