package lss

import (
	"encoding/binary"
	"sync"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Slave answers layer setting services for a local node. An
// unconfigured slave (active node id 0xFF) takes part in fastscan.
// Requests are answered from the receive callback
type Slave struct {
	*canopen.BusManager
	mu            sync.Mutex
	identity      Identity
	partial       Identity
	state         State
	activeNodeId  uint8
	pendingNodeId uint8
	fastscanPos   uint8
}

func NewSlave(bm *canopen.BusManager, identity Identity, nodeId uint8) (*Slave, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if (nodeId < NodeIdMin || nodeId > NodeIdMax) && nodeId != NodeIdUnconfigured {
		return nil, canopen.ErrInvalidNodeId
	}
	slave := &Slave{
		BusManager:    bm,
		identity:      identity,
		state:         StateWaiting,
		activeNodeId:  nodeId,
		pendingNodeId: nodeId,
	}
	err := bm.Subscribe(uint32(ServiceMasterId), 0x7FF, false, slave)
	if err != nil {
		return nil, err
	}
	return slave, nil
}

// Handle implements [can.FrameListener] for master requests
func (slave *Slave) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := Message{raw: frame.Data}

	slave.mu.Lock()
	defer slave.mu.Unlock()

	cmd := msg.Command()
	switch {
	case cmd == CmdSwitchStateGlobal:
		slave.switchGlobal(Mode(msg.raw[1]))

	case cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveSerial:
		slave.switchSelective(msg)

	case cmd == CmdFastscan:
		slave.fastscan(msg)

	case cmd >= CmdConfigureNodeId && cmd <= CmdStoreConfiguration:
		// Configuration services are only valid in configuration state
		if slave.state == StateConfiguration {
			slave.configure(msg)
		}

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		// Inquiry services are only valid in configuration state
		if slave.state == StateConfiguration {
			slave.inquire(cmd)
		}
	}
}

func (slave *Slave) respond(data [8]byte) {
	err := slave.SendMessage(ServiceSlaveId, data[:], false)
	if err != nil {
		log.Warnf("[LSS][SLAVE] response failed : %v", err)
	}
}

func (slave *Slave) setState(state State) {
	if state == slave.state {
		return
	}
	log.Debugf("[LSS][SLAVE] state changed | %v ==> %v", slave.state, state)
	slave.state = state
	if state == StateWaiting {
		slave.fastscanPos = 0
		slave.applyPendingNodeId()
	}
}

// The pending node id takes effect when the slave leaves configuration
// state
func (slave *Slave) applyPendingNodeId() {
	if slave.pendingNodeId == slave.activeNodeId {
		return
	}
	if slave.pendingNodeId >= NodeIdMin && slave.pendingNodeId <= NodeIdMax {
		log.Infof("[LSS][SLAVE] node id changed | x%x ==> x%x", slave.activeNodeId, slave.pendingNodeId)
	}
	slave.activeNodeId = slave.pendingNodeId
}

func (slave *Slave) switchGlobal(mode Mode) {
	switch mode {
	case ModeWaiting:
		slave.setState(StateWaiting)
	case ModeConfiguration:
		slave.setState(StateConfiguration)
	default:
		log.Warnf("[LSS][SLAVE] unknown switch mode %v", mode)
	}
}

func (slave *Slave) switchSelective(msg Message) {
	if slave.state != StateWaiting {
		return
	}
	sub := uint8(msg.Command()) - uint8(CmdSwitchStateSelectiveVendor)
	*slave.partial.word(sub) = binary.LittleEndian.Uint32(msg.raw[1:5])
	if msg.Command() != CmdSwitchStateSelectiveSerial {
		return
	}
	// The serial number closes the sequence, only the slave matching
	// all four words confirms
	if slave.partial == slave.identity {
		slave.setState(StateConfiguration)
		slave.respond([8]byte{byte(CmdSwitchStateSelectiveResult)})
	}
}

func (slave *Slave) fastscan(msg Message) {
	if slave.state != StateWaiting || slave.activeNodeId != NodeIdUnconfigured {
		return
	}
	idNumber := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitCheck := msg.raw[5]
	sub := msg.raw[6]
	next := msg.raw[7]

	if bitCheck == fastscanConfirm {
		slave.fastscanPos = 0
		slave.respond([8]byte{byte(CmdIdentifySlave)})
		return
	}
	if sub > 3 || bitCheck > 31 || sub != slave.fastscanPos {
		return
	}
	mask := uint32(1)<<bitCheck - 1
	if idNumber&^mask != *slave.identity.word(sub)&^mask {
		return
	}
	if bitCheck == 0 {
		slave.fastscanPos = next
		if next < sub {
			// The scan wrapped past the serial number, all four words
			// are verified and the slave is selected
			slave.setState(StateConfiguration)
		}
	}
	slave.respond([8]byte{byte(CmdIdentifySlave)})
}

func (slave *Slave) configure(msg Message) {
	cmd := msg.Command()
	switch cmd {
	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if (nodeId < NodeIdMin || nodeId > NodeIdMax) && nodeId != NodeIdUnconfigured {
			slave.respond([8]byte{byte(cmd), ConfigNotSupported})
			return
		}
		slave.pendingNodeId = nodeId
		slave.respond([8]byte{byte(cmd), ConfigOk})

	case CmdConfigureBitTiming, CmdStoreConfiguration:
		// No alternate bit timings and no non-volatile storage here
		slave.respond([8]byte{byte(cmd), ConfigNotSupported})

	case CmdActivateBitTiming:
		// Activation is not answered
	}
}

func (slave *Slave) inquire(cmd Command) {
	data := [8]byte{byte(cmd)}
	switch cmd {
	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:5], slave.identity.VendorId)
	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:5], slave.identity.ProductCode)
	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:5], slave.identity.RevisionNumber)
	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:5], slave.identity.SerialNumber)
	case CmdInquireNodeId:
		data[1] = slave.activeNodeId
	}
	slave.respond(data)
}

// State reports the CiA 305 state of the slave
func (slave *Slave) State() State {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	return slave.state
}

// ActiveNodeId reports the node id the slave currently runs with,
// [NodeIdUnconfigured] when it has none
func (slave *Slave) ActiveNodeId() uint8 {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	return slave.activeNodeId
}

// PendingNodeId reports the node id configured for the next switch to
// waiting state
func (slave *Slave) PendingNodeId() uint8 {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	return slave.pendingNodeId
}

// Identity reports the LSS address of the slave
func (slave *Slave) Identity() Identity {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	return slave.identity
}

// Close unsubscribes from master requests
func (slave *Slave) Close() {
	slave.Unsubscribe(uint32(ServiceMasterId), false, slave)
}
