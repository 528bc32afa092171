// Package lss implements the CiA 305 layer setting services, used to
// assign node ids and bit timings to slaves over the bus
package lss

import (
	"errors"
	"fmt"
)

const (
	// Request COB-ID, master to slaves
	ServiceMasterId uint16 = 0x7E5
	// Response COB-ID, slaves to master
	ServiceSlaveId uint16 = 0x7E4

	NodeIdUnconfigured uint8 = 0xFF
	NodeIdMin          uint8 = 0x01
	NodeIdMax          uint8 = 0x7F
)

var (
	ErrTimeout            = errors.New("lss: no response received")
	ErrUnexpectedResponse = errors.New("lss: response does not match the request")
	ErrNoSlaveFound       = errors.New("lss: fastscan found no unconfigured slave")
)

type Command uint8

const (
	// Switch state services, used to connect master and slave for
	// configuration
	CmdSwitchStateGlobal            Command = 0x04
	CmdSwitchStateSelectiveVendor   Command = 0x40
	CmdSwitchStateSelectiveProduct  Command = 0x41
	CmdSwitchStateSelectiveRevision Command = 0x42
	CmdSwitchStateSelectiveSerial   Command = 0x43
	CmdSwitchStateSelectiveResult   Command = 0x44

	// Configuration services, only available in configuration state
	CmdConfigureNodeId    Command = 0x11
	CmdConfigureBitTiming Command = 0x13
	CmdActivateBitTiming  Command = 0x15
	CmdStoreConfiguration Command = 0x17

	// Inquiry services, only available in configuration state
	CmdInquireVendor   Command = 0x5A
	CmdInquireProduct  Command = 0x5B
	CmdInquireRevision Command = 0x5C
	CmdInquireSerial   Command = 0x5D
	CmdInquireNodeId   Command = 0x5E

	// Identification services
	CmdIdentifySlave Command = 0x4F
	CmdFastscan      Command = 0x51
)

// Configuration service error codes, byte 1 of the response
const (
	ConfigOk           uint8 = 0x00
	ConfigNotSupported uint8 = 0x01
	ConfigManufacturer uint8 = 0xFF
)

// Bit timing indexes of the standard table (table selector 0)
const (
	BitTiming1Mbit   uint8 = 0
	BitTiming800kbit uint8 = 1
	BitTiming500kbit uint8 = 2
	BitTiming250kbit uint8 = 3
	BitTiming125kbit uint8 = 4
	BitTiming100kbit uint8 = 5
	BitTiming50kbit  uint8 = 6
	BitTiming20kbit  uint8 = 7
	BitTiming10kbit  uint8 = 8
)

// Mode is the target of a switch state global command
type Mode uint8

const (
	ModeWaiting       Mode = 0x00
	ModeConfiguration Mode = 0x01
)

// State of the CiA 305 slave state machine. In waiting state a slave
// only listens for switch and identification services, in configuration
// state its node id and bit timing may be changed and inquired
type State uint8

const (
	StateWaiting       State = 1
	StateConfiguration State = 2
)

func (state State) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// Identity holds the four words of the identity object 0x1018, which
// together form the LSS address uniquely identifying a slave
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

func (identity Identity) String() string {
	return fmt.Sprintf("vendor x%08x product x%08x revision x%08x serial x%08x",
		identity.VendorId,
		identity.ProductCode,
		identity.RevisionNumber,
		identity.SerialNumber,
	)
}

// word gives access to the identity fields in fastscan probing order
func (identity *Identity) word(sub uint8) *uint32 {
	switch sub {
	case 0:
		return &identity.VendorId
	case 1:
		return &identity.ProductCode
	case 2:
		return &identity.RevisionNumber
	default:
		return &identity.SerialNumber
	}
}

// Message is a raw 8-byte LSS frame payload
type Message struct {
	raw [8]byte
}

func (m Message) Command() Command {
	return Command(m.raw[0])
}
