package roboclaw

import (
	"encoding/binary"
	"fmt"
)

// ParseResponse validates the trailing CRC of resp and returns the payload.
// The expected CRC covers [addr, cmd] followed by the payload.
func ParseResponse(resp []byte, addr, cmd byte) ([]byte, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortResponse, len(resp))
	}
	n := len(resp) - 2
	payload := resp[:n]
	got := binary.BigEndian.Uint16(resp[n:])

	full := make([]byte, 0, n+2)
	full = append(full, addr, cmd)
	full = append(full, payload...)
	want := CalcCRC(full)

	if got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrCRCMismatch, got, want)
	}
	return payload, nil
}

// checkAck accepts a bare 0xFF acknowledgement or a CRC-framed reply whose
// payload starts with 0xFF.
func checkAck(resp []byte, addr, cmd byte) error {
	if len(resp) == 1 {
		if resp[0] == ackByte {
			return nil
		}
		return fmt.Errorf("%w: got 0x%02X", ErrBadAck, resp[0])
	}
	payload, err := ParseResponse(resp, addr, cmd)
	if err != nil {
		return err
	}
	if payload[0] != ackByte {
		return fmt.Errorf("%w: got 0x%02X", ErrBadAck, payload[0])
	}
	return nil
}

// requirePayload checks a validated payload carries at least n bytes.
func requirePayload(payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("%w: payload %d bytes, want %d", ErrShortResponse, len(payload), n)
	}
	return nil
}
