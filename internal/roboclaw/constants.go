// Package roboclaw implements the packet serial protocol of a dual-channel
// DC motor controller: CRC framing, the serial transport and a hardware
// MotorBackend that encodes and decodes every supported command.
//
// Requests are address | command | payload | [crc16]. Responses are
// payload | crc16, where the CRC covers address | command | payload.
package roboclaw

import "time"

// Defaults for the controller handle.
const (
	DefaultAddress  = 0x80
	DefaultBaudRate = 115200
	DefaultPort     = "/dev/ttyACM0"

	// SimulatedPort is the reserved port name that selects the simulator.
	SimulatedPort = "SIMULATED"

	ReadTimeout = 100 * time.Millisecond
	readBufSize = 1024
	ackByte     = 0xFF
)

// Command codes. Paired constants are motor 1 / motor 2.
const (
	CmdDriveM1         = 6
	CmdDriveM2         = 7
	CmdReadSpeedM1     = 18
	CmdReadSpeedM2     = 19
	CmdResetEncoders   = 20
	CmdSetVelocityPID1 = 28
	CmdSetVelocityPID2 = 29
	CmdDrivePWMM1      = 32
	CmdDrivePWMM2      = 33
	CmdReadPWMs        = 48
	CmdReadCurrents    = 49
	CmdReadVelPID1     = 55
	CmdReadVelPID2     = 56
	CmdSetPositionPID1 = 61
	CmdSetPositionPID2 = 62
	CmdReadPosPID1     = 63
	CmdReadPosPID2     = 64
	CmdReadAllStatus   = 73
)

// Actuator limits.
const (
	MaxPWM       = 32767
	MaxDrive     = 127
	StopDrive    = 64
	DriveSpan    = 63
	StatusLength = 56
)

// motorCmd picks the motor-1 or motor-2 variant of a command.
func motorCmd(motor int, m1, m2 byte) (byte, error) {
	switch motor {
	case 1:
		return m1, nil
	case 2:
		return m2, nil
	default:
		return 0, ErrBadMotor
	}
}

// noCRCRead lists the read commands the protocol defines without a request CRC.
var noCRCRead = map[byte]bool{
	CmdReadVelPID1: true,
	CmdReadVelPID2: true,
	CmdReadPosPID1: true,
	CmdReadPosPID2: true,
}
