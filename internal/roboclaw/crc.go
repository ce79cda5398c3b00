package roboclaw

// CRC-16 (CCITT/XMODEM) configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0x0000
)

// CalcCRC computes the packet serial checksum over data.
func CalcCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// appendCRC appends the big-endian checksum of pkt to pkt.
func appendCRC(pkt []byte) []byte {
	crc := CalcCRC(pkt)
	return append(pkt, byte(crc>>8), byte(crc&0xFF))
}
