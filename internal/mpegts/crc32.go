package mpegts

import (
	"errors"
	"fmt"
)

// ErrCRCMismatch is returned for PSI sections whose CRC32 does not verify.
var ErrCRCMismatch = errors.New("mpegts: CRC32 mismatch")

// crcTable is the MSB-first table for the MPEG-2 CRC32 (polynomial
// 0x04C11DB7, no reflection, no final xor).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC32 computes the MPEG-2 section CRC of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section including its trailing CRC field; a valid
// section leaves a zero remainder.
func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return fmt.Errorf("mpegts: section of %d bytes too short for CRC32", len(section))
	}
	if CRC32(section) != 0 {
		return ErrCRCMismatch
	}
	return nil
}
