// Package sdo implements the CiA 301 service data object protocol.
// [Client] gives blocking, confirmed access to the object dictionary
// of a remote node including segmented and block transfers. [Server]
// answers SDO requests addressed to a local node.
package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/christiansandberg/canopen/internal/crc"
	"github.com/christiansandberg/canopen/pkg/od"
)

const (
	// Base COB-ID of the client to server (request) direction
	ClientServiceId uint16 = 0x600
	// Base COB-ID of the server to client (response) direction
	ServerServiceId uint16 = 0x580
)

const (
	// DefaultTimeout is how long to wait for a single SDO response
	DefaultTimeout = 300 * time.Millisecond
	// DefaultRetries is the number of times a request is attempted
	// before the transfer is aborted
	DefaultRetries = 1
	// BlockSeqSize is the number of data bytes per block segment
	BlockSeqSize = 7
	// BlockMaxSize is the maximum number of segments per block
	BlockMaxSize = 127
)

// Command specifiers sent by the client (byte 0 of a request)
const (
	requestDownloadSegment uint8 = 0 << 5
	requestDownload        uint8 = 1 << 5
	requestUpload          uint8 = 2 << 5
	requestUploadSegment   uint8 = 3 << 5
	requestAbort           uint8 = 4 << 5
	requestBlockUpload     uint8 = 5 << 5
	requestBlockDownload   uint8 = 6 << 5
)

// Command specifiers sent by the server (byte 0 of a response)
const (
	responseUploadSegment   uint8 = 0 << 5
	responseDownloadSegment uint8 = 1 << 5
	responseUpload          uint8 = 2 << 5
	responseDownload        uint8 = 3 << 5
	responseAbort           uint8 = 4 << 5
	responseBlockDownload   uint8 = 5 << 5
	responseBlockUpload     uint8 = 6 << 5
)

// Block transfer sub-commands, lower bits of byte 0
const (
	subInitiate uint8 = 0
	subEnd      uint8 = 1
	subAck      uint8 = 2
	subStart    uint8 = 3
)

// Flag bits inside byte 0
const (
	maskCommand       uint8 = 0xE0
	maskSeqno         uint8 = 0x7F
	flagExpedited     uint8 = 0x02
	flagSizeIndicated uint8 = 0x01
	flagToggle        uint8 = 0x10
	flagNoMoreData    uint8 = 0x01
	flagCRCSupported  uint8 = 0x04
	flagBlockSize     uint8 = 0x02
	flagNoMoreBlocks  uint8 = 0x80
)

// Errors raised by the client on communication failures, i.e. anything
// that is not a proper abort from the server.
var (
	ErrBusy               = errors.New("sdo: a transfer is already ongoing")
	ErrTimeout            = errors.New("sdo: no response received from server")
	ErrUnexpectedResponse = errors.New("sdo: unexpected response from server")
	ErrWrongIndex         = errors.New("sdo: server responded for another index or subindex")
	ErrToggleBit          = errors.New("sdo: toggle bit mismatch")
	ErrCRC                = errors.New("sdo: crc mismatch in block transfer")
	ErrSeqNumber          = errors.New("sdo: lost segments could not be retransmitted")
	ErrSizeMismatch       = errors.New("sdo: size of transferred data does not match indicated size")
	ErrTransferDone       = errors.New("sdo: transfer already finished")
)

// Abort is a CiA 301 SDO abort code. It implements the error
// interface, a failed transfer aborted by the other end returns the
// received code as is.
type Abort uint32

const (
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortBlockSize         Abort = 0x05040002
	AbortSeqNum            Abort = 0x05040003
	AbortCRC               Abort = 0x05040004
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortNoMap             Abort = 0x06040041
	AbortMapLen            Abort = 0x06040042
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortMaxLessMin        Abort = 0x06090036
	AbortNoRessource       Abort = 0x060A0023
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataLocalControl  Abort = 0x08000021
	AbortDataDeviceState   Abort = 0x08000022
	AbortDataOD            Abort = 0x08000023
	AbortNoData            Abort = 0x08000024
)

var abortDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

func (abort Abort) Error() string {
	return fmt.Sprintf("sdo abort x%x : %s", uint32(abort), abort.Description())
}

// Description returns the standard text for this abort code
func (abort Abort) Description() string {
	description, ok := abortDescriptionMap[abort]
	if ok {
		return description
	}
	return abortDescriptionMap[AbortGeneral]
}

// abortFromOd converts an object dictionary access result into the
// matching abort code
func abortFromOd(err error) Abort {
	var odr od.ODR
	if errors.As(err, &odr) {
		return Abort(odr.AbortCode())
	}
	return AbortGeneral
}

// SDOResponse is a single frame received from an SDO server
type SDOResponse struct {
	raw [8]byte
}

func (response *SDOResponse) IsAbort() bool {
	return response.raw[0] == responseAbort
}

func (response *SDOResponse) GetAbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(response.raw[4:]))
}

func (response *SDOResponse) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(response.raw[1:3])
}

func (response *SDOResponse) GetSubindex() uint8 {
	return response.raw[3]
}

func (response *SDOResponse) GetToggle() uint8 {
	return response.raw[0] & flagToggle
}

func (response *SDOResponse) GetBlockSize() uint8 {
	return response.raw[4]
}

func (response *SDOResponse) GetCRC() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(response.raw[1:3]))
}
