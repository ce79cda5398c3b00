package roboclaw

import "encoding/binary"

// Status is the decoded reply of the read-all-status command.
type Status struct {
	Tick        uint32  `json:"tick"`
	ErrorFlags  uint32  `json:"errorFlags"`
	Temp1       float64 `json:"temp1"`       // °C
	Temp2       float64 `json:"temp2"`       // °C
	MainBattery float64 `json:"mainBattery"` // V
	LogicBatt   float64 `json:"logicBattery"`

	M1PWM     int16   `json:"m1Pwm"`
	M2PWM     int16   `json:"m2Pwm"`
	M1Current float64 `json:"m1Current"` // A
	M2Current float64 `json:"m2Current"` // A

	M1Encoder uint32 `json:"m1Encoder"`
	M2Encoder uint32 `json:"m2Encoder"`

	M1Speed        int32 `json:"m1Speed"` // pulses/s
	M2Speed        int32 `json:"m2Speed"`
	M1InstantSpeed int32 `json:"m1InstantSpeed"`
	M2InstantSpeed int32 `json:"m2InstantSpeed"`

	M1SpeedError uint16 `json:"m1SpeedError"`
	M2SpeedError uint16 `json:"m2SpeedError"`
	M1PosError   uint16 `json:"m1PosError"`
	M2PosError   uint16 `json:"m2PosError"`
}

// Encoder returns the encoder count of motor 1 or 2.
func (s Status) Encoder(motor int) (uint32, error) {
	switch motor {
	case 1:
		return s.M1Encoder, nil
	case 2:
		return s.M2Encoder, nil
	}
	return 0, ErrBadMotor
}

// DecodeStatus parses the 56-byte status payload (all fields big endian).
func DecodeStatus(d []byte) (Status, error) {
	if err := requirePayload(d, StatusLength); err != nil {
		return Status{}, err
	}
	be := binary.BigEndian
	u16 := func(off int) uint16 { return be.Uint16(d[off:]) }
	u32 := func(off int) uint32 { return be.Uint32(d[off:]) }
	s16 := func(off int) int16 { return int16(u16(off)) }
	s32 := func(off int) int32 { return int32(u32(off)) }

	return Status{
		Tick:        u32(0),
		ErrorFlags:  u32(4),
		Temp1:       float64(u16(8)) / 10,
		Temp2:       float64(u16(10)) / 10,
		MainBattery: float64(u16(12)) / 10,
		LogicBatt:   float64(u16(14)) / 10,

		M1PWM:     s16(16),
		M2PWM:     s16(18),
		M1Current: float64(s16(20)) / 100,
		M2Current: float64(s16(22)) / 100,

		M1Encoder: u32(24),
		M2Encoder: u32(28),

		M1Speed:        s32(32),
		M2Speed:        s32(36),
		M1InstantSpeed: s32(40),
		M2InstantSpeed: s32(44),

		M1SpeedError: u16(48),
		M2SpeedError: u16(50),
		M1PosError:   u16(52),
		M2PosError:   u16(54),
	}, nil
}
