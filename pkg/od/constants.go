package od

import (
	"fmt"
	"strconv"
)

// ODR is an object dictionary access result, convertible to the
// matching SDO abort code.
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoResource   ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
)

func (odr ODR) Error() string {
	abort := odr.AbortCode()
	return fmt.Sprintf("OD error %s (abort x%x)", strconv.Itoa(int(odr)), abort)
}

// AbortCode returns the CiA 301 SDO abort code for this result
func (odr ODR) AbortCode() uint32 {
	switch odr {
	case ErrNo:
		return 0
	case ErrOutOfMem:
		return 0x05040005
	case ErrUnsuppAccess:
		return 0x06010000
	case ErrWriteOnly:
		return 0x06010001
	case ErrReadonly:
		return 0x06010002
	case ErrIdxNotExist:
		return 0x06020000
	case ErrNoMap:
		return 0x06040041
	case ErrMapLen:
		return 0x06040042
	case ErrParIncompat:
		return 0x06040043
	case ErrDevIncompat:
		return 0x06040047
	case ErrHw:
		return 0x06060000
	case ErrTypeMismatch:
		return 0x06070010
	case ErrDataLong:
		return 0x06070012
	case ErrDataShort:
		return 0x06070013
	case ErrSubNotExist:
		return 0x06090011
	case ErrInvalidValue:
		return 0x06090030
	case ErrValueHigh:
		return 0x06090031
	case ErrValueLow:
		return 0x06090032
	case ErrMaxLessMin:
		return 0x06090036
	case ErrNoResource:
		return 0x060A0023
	case ErrDataTransf:
		return 0x08000020
	case ErrDataLocCtrl:
		return 0x08000021
	case ErrDataDevState:
		return 0x08000022
	case ErrOdMissing:
		return 0x08000023
	case ErrNoData:
		return 0x08000024
	default:
		return 0x08000000
	}
}

// CiA 301 object types
const (
	ObjectTypeDOMAIN uint8 = 0x02
	ObjectTypeVAR    uint8 = 0x07
	ObjectTypeARRAY  uint8 = 0x08
	ObjectTypeRECORD uint8 = 0x09
)

// CiA 301 data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Object dictionary object attribute
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into TPDO (can be read)
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into RPDO (can be written)
	AttributeTrpdo uint8 = 0x0C // Variable is mappable into TPDO or RPDO
	// Shorter value, than specified variable size, may be
	// written to the variable. SDO write will fill remaining memory with zeroes.
	// Attribute is used for VISIBLE_STRING and UNICODE_STRING.
	AttributeStr uint8 = 0x80
)

// Commonly accessed entries of the communication profile area
const (
	EntryDeviceType           uint16 = 0x1000
	EntryErrorRegister        uint16 = 0x1001
	EntryPredefinedErrorField uint16 = 0x1003
	EntryCobIdSYNC            uint16 = 0x1005
	EntryCommunicationPeriod  uint16 = 0x1006
	EntryStoreParameters      uint16 = 0x1010
	EntryRestoreParameters    uint16 = 0x1011
	EntryCobIdEMCY            uint16 = 0x1014
	EntryConsumerHeartbeat    uint16 = 0x1016
	EntryProducerHeartbeat    uint16 = 0x1017
	EntryIdentity             uint16 = 0x1018
	EntrySyncCounterOverflow  uint16 = 0x1019
)

// Base indexes of the PDO communication and mapping records
const (
	EntryRPDOCommunicationStart uint16 = 0x1400
	EntryRPDOMappingStart       uint16 = 0x1600
	EntryTPDOCommunicationStart uint16 = 0x1800
	EntryTPDOMappingStart       uint16 = 0x1A00
	MaxMappedEntriesPdo         uint8  = 8
)

var objectTypeName = map[uint8]string{
	ObjectTypeDOMAIN: "DOMAIN",
	ObjectTypeVAR:    "VAR",
	ObjectTypeARRAY:  "ARRAY",
	ObjectTypeRECORD: "RECORD",
}
