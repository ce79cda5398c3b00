package roboclaw

import (
	"encoding/binary"
	"math"
)

const fixedOne = 65536

// ToFixed converts a gain to the device's 16.16 fixed-point representation.
func ToFixed(v float64) int32 {
	return int32(math.Round(v * fixedOne))
}

// FromFixed converts a 16.16 fixed-point gain back to a float.
func FromFixed(v int32) float64 {
	return float64(v) / fixedOne
}

// VelocityPID is the per-motor velocity loop configuration. Gains are 16.16
// fixed point; QPPS is the encoder rate at 100% duty.
type VelocityPID struct {
	P    int32 `json:"p" yaml:"p"`
	I    int32 `json:"i" yaml:"i"`
	D    int32 `json:"d" yaml:"d"`
	QPPS int32 `json:"qpps" yaml:"qpps"`
}

// PositionPID is the per-motor position loop configuration.
type PositionPID struct {
	P        int32 `json:"p" yaml:"p"`
	I        int32 `json:"i" yaml:"i"`
	D        int32 `json:"d" yaml:"d"`
	MaxI     int32 `json:"maxI" yaml:"max_i"`
	Deadzone int32 `json:"deadzone" yaml:"deadzone"`
	Min      int32 `json:"min" yaml:"min"`
	Max      int32 `json:"max" yaml:"max"`
}

// Wire order is D, P, I, QPPS.
func (v VelocityPID) wire() []int32 {
	return []int32{v.D, v.P, v.I, v.QPPS}
}

// Wire order is D, P, I, MaxI, Deadzone, Min, Max.
func (p PositionPID) wire() []int32 {
	return []int32{p.D, p.P, p.I, p.MaxI, p.Deadzone, p.Min, p.Max}
}

// EncodeVelocityPID returns the 16-byte wire payload.
func EncodeVelocityPID(v VelocityPID) []byte {
	return putInt32s(v.wire())
}

// DecodeVelocityPID parses a 16-byte wire payload.
func DecodeVelocityPID(b []byte) (VelocityPID, error) {
	if err := requirePayload(b, 16); err != nil {
		return VelocityPID{}, err
	}
	w := getInt32s(b, 4)
	return VelocityPID{D: w[0], P: w[1], I: w[2], QPPS: w[3]}, nil
}

// EncodePositionPID returns the 28-byte wire payload.
func EncodePositionPID(p PositionPID) []byte {
	return putInt32s(p.wire())
}

// DecodePositionPID parses a 28-byte wire payload.
func DecodePositionPID(b []byte) (PositionPID, error) {
	if err := requirePayload(b, 28); err != nil {
		return PositionPID{}, err
	}
	w := getInt32s(b, 7)
	return PositionPID{D: w[0], P: w[1], I: w[2], MaxI: w[3], Deadzone: w[4], Min: w[5], Max: w[6]}, nil
}

func putInt32s(vals []int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func getInt32s(b []byte, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(b[4*i:]))
	}
	return out
}
