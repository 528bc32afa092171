// Package pdo implements CiA 301 process data objects of remote
// nodes, from the configuration of their communication and mapping
// records over SDO to payload packing and transmission triggering.
package pdo

import (
	"errors"
)

const (
	// Maximum payload of a single PDO in bytes
	MaxPdoLength uint8 = 8
	// Maximum number of maps per direction
	MaxMaps uint16 = 512
)

// Pre-defined connection set COB-ID bases for the first map of a
// node. The following three maps add 0x100 each.
const (
	TpdoBaseCobId uint32 = 0x180
	RpdoBaseCobId uint32 = 0x200
)

// Flag bits inside the COB-ID entry of the communication record
const (
	PdoNotValid   uint32 = 1 << 31
	RtrNotAllowed uint32 = 1 << 30
)

const (
	TransmissionTypeSyncAcyclic uint8 = 0    // synchronous, on SYNC when the payload changed
	TransmissionTypeSync1       uint8 = 1    // synchronous, every SYNC
	TransmissionTypeSync240     uint8 = 240  // synchronous, every 240th SYNC
	TransmissionTypeRtrSync     uint8 = 0xFC // on remote request, sampled on SYNC
	TransmissionTypeRtrEvent    uint8 = 0xFD // on remote request
	TransmissionTypeSyncEventLo uint8 = 0xFE // event driven, manufacturer specific
	TransmissionTypeSyncEventHi uint8 = 0xFF // event driven, device profile specific
)

var (
	ErrNoSuchEntry    = errors.New("pdo: mapped object does not exist in the dictionary")
	ErrNotMappable    = errors.New("pdo: object cannot be mapped into a PDO")
	ErrMappingTooLong = errors.New("pdo: total mapping exceeds 64 bits")
)

// copyBits copies length bits from src starting at srcOffset into dst
// starting at dstOffset. Bit 0 is the least significant bit of byte 0,
// source bits beyond the end of src read as zero.
func copyBits(dst []byte, dstOffset int, src []byte, srcOffset int, length int) {
	for i := 0; i < length; i++ {
		srcBit := srcOffset + i
		dstBit := dstOffset + i
		if dstBit/8 >= len(dst) {
			return
		}
		set := false
		if srcBit/8 < len(src) {
			set = src[srcBit/8]&(1<<uint(srcBit%8)) != 0
		}
		if set {
			dst[dstBit/8] |= 1 << uint(dstBit%8)
		} else {
			dst[dstBit/8] &^= 1 << uint(dstBit%8)
		}
	}
}
