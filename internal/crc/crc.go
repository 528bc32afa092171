// Package crc implements the CRC-CCITT (XMODEM) checksum used by
// SDO block transfers : polynomial x^16 + x^12 + x^5 + 1 (0x1021),
// initial value 0.
package crc

type CRC16 uint16

// Single updates the checksum with one byte
func (crc *CRC16) Single(b byte) {
	*crc ^= CRC16(b) << 8
	for i := 0; i < 8; i++ {
		if *crc&0x8000 != 0 {
			*crc = *crc<<1 ^ 0x1021
		} else {
			*crc <<= 1
		}
	}
}

// Block updates the checksum with a slice of bytes
func (crc *CRC16) Block(data []byte) {
	for _, b := range data {
		crc.Single(b)
	}
}
