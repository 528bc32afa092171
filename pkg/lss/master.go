package lss

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	log "github.com/sirupsen/logrus"
)

var (
	// Timeout waiting for a configuration or inquiry response
	DefaultTimeout = 500 * time.Millisecond
	// Timeout for a single fastscan probe. No answer within this window
	// means no slave matched the probe
	DefaultFastscanTimeout = 100 * time.Millisecond
)

// The initial fastscan probe with this bit check value asks whether any
// unconfigured slave is present at all
const fastscanConfirm uint8 = 0x80

// Master drives the layer setting services from the host side. All
// requests go out on 0x7E5 and responses come back on 0x7E4, one
// request at a time
type Master struct {
	*canopen.BusManager
	mu              sync.Mutex
	rx              chan Message
	timeout         time.Duration
	fastscanTimeout time.Duration
}

func NewMaster(bm *canopen.BusManager) (*Master, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	master := &Master{
		BusManager:      bm,
		rx:              make(chan Message, 2),
		timeout:         DefaultTimeout,
		fastscanTimeout: DefaultFastscanTimeout,
	}
	err := bm.Subscribe(uint32(ServiceSlaveId), 0x7FF, false, master)
	if err != nil {
		return nil, err
	}
	return master, nil
}

// Handle implements [can.FrameListener] for slave responses
func (master *Master) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	select {
	case master.rx <- Message{raw: frame.Data}:
	default:
		log.Warnf("[LSS] dropped response x%x", frame.Data[0])
	}
}

// SetTimeout changes the response timeout of configuration and inquiry
// services
func (master *Master) SetTimeout(timeout time.Duration) {
	master.mu.Lock()
	defer master.mu.Unlock()
	master.timeout = timeout
}

// SetFastscanTimeout changes the per probe timeout of [Master.Fastscan]
func (master *Master) SetFastscanTimeout(timeout time.Duration) {
	master.mu.Lock()
	defer master.mu.Unlock()
	master.fastscanTimeout = timeout
}

func (master *Master) getTimeout() time.Duration {
	master.mu.Lock()
	defer master.mu.Unlock()
	return master.timeout
}

func (master *Master) getFastscanTimeout() time.Duration {
	master.mu.Lock()
	defer master.mu.Unlock()
	return master.fastscanTimeout
}

// send drains stale responses and puts a request on the bus, so that a
// late answer to an abandoned request cannot satisfy the next one
func (master *Master) send(req [8]byte) error {
	for {
		select {
		case <-master.rx:
			continue
		default:
		}
		break
	}
	return master.SendMessage(ServiceMasterId, req[:], false)
}

// waitForResponse blocks until a response with the wanted command
// specifier arrives. Other responses are dropped, a wait seeing only
// those ends in ErrUnexpectedResponse instead of ErrTimeout
func (master *Master) waitForResponse(cmd Command, timeout time.Duration) (Message, error) {
	begin := time.Now()
	sawUnexpected := false
	for {
		remaining := timeout - time.Since(begin)
		if remaining <= 0 {
			break
		}
		select {
		case resp := <-master.rx:
			if resp.Command() == cmd {
				return resp, nil
			}
			sawUnexpected = true
			log.Warnf("[LSS] ignoring unexpected response x%x", resp.raw[0])
			continue
		case <-time.After(remaining):
		case <-master.Done():
			return Message{}, canopen.ErrDisconnected
		}
		break
	}
	if sawUnexpected {
		return Message{}, ErrUnexpectedResponse
	}
	return Message{}, ErrTimeout
}

// SwitchStateGlobal moves every slave on the bus to the given mode.
// Slaves do not answer this command
func (master *Master) SwitchStateGlobal(mode Mode) error {
	var req [8]byte
	req[0] = byte(CmdSwitchStateGlobal)
	req[1] = byte(mode)
	return master.send(req)
}

// SwitchStateSelective moves the single slave with the given identity
// to configuration state. The identity is sent as four frames and only
// the slave matching all four words confirms
func (master *Master) SwitchStateSelective(identity Identity) error {
	var req [8]byte
	for sub := uint8(0); sub < 4; sub++ {
		req[0] = byte(CmdSwitchStateSelectiveVendor) + sub
		binary.LittleEndian.PutUint32(req[1:5], *identity.word(sub))
		if err := master.send(req); err != nil {
			return err
		}
	}
	_, err := master.waitForResponse(CmdSwitchStateSelectiveResult, master.getTimeout())
	return err
}

// configure runs one configuration service and checks the error code of
// the response
func (master *Master) configure(cmd Command, value1 byte, value2 byte) error {
	var req [8]byte
	req[0] = byte(cmd)
	req[1] = value1
	req[2] = value2
	if err := master.send(req); err != nil {
		return err
	}
	resp, err := master.waitForResponse(cmd, master.getTimeout())
	if err != nil {
		return err
	}
	if code := resp.raw[1]; code != ConfigOk {
		return fmt.Errorf("lss: command x%x rejected with error code %d", uint8(cmd), code)
	}
	return nil
}

// ConfigureNodeId sets the pending node id of the selected slave.
// [NodeIdUnconfigured] resets the slave to the unconfigured state
func (master *Master) ConfigureNodeId(nodeId uint8) error {
	if (nodeId < NodeIdMin || nodeId > NodeIdMax) && nodeId != NodeIdUnconfigured {
		return canopen.ErrInvalidNodeId
	}
	return master.configure(CmdConfigureNodeId, nodeId, 0)
}

// ConfigureBitTiming sets the pending bit timing of the selected slave,
// table 0 holds the standard rates, see the BitTiming constants
func (master *Master) ConfigureBitTiming(table uint8, index uint8) error {
	return master.configure(CmdConfigureBitTiming, table, index)
}

// ActivateBitTiming switches all slaves to their pending bit timing
// after the given delay. Slaves do not answer this command
func (master *Master) ActivateBitTiming(delay time.Duration) error {
	var req [8]byte
	req[0] = byte(CmdActivateBitTiming)
	binary.LittleEndian.PutUint16(req[1:3], uint16(delay.Milliseconds()))
	return master.send(req)
}

// StoreConfiguration asks the selected slave to persist its pending
// node id and bit timing
func (master *Master) StoreConfiguration() error {
	return master.configure(CmdStoreConfiguration, 0, 0)
}

func (master *Master) inquire(cmd Command) (Message, error) {
	var req [8]byte
	req[0] = byte(cmd)
	if err := master.send(req); err != nil {
		return Message{}, err
	}
	return master.waitForResponse(cmd, master.getTimeout())
}

func (master *Master) inquireWord(cmd Command) (uint32, error) {
	resp, err := master.inquire(cmd)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp.raw[1:5]), nil
}

// InquireNodeId reads the active node id of the selected slave
func (master *Master) InquireNodeId() (uint8, error) {
	resp, err := master.inquire(CmdInquireNodeId)
	if err != nil {
		return 0, err
	}
	return resp.raw[1], nil
}

// InquireIdentity reads the four identity words of the selected slave
func (master *Master) InquireIdentity() (Identity, error) {
	identity := Identity{}
	commands := []Command{CmdInquireVendor, CmdInquireProduct, CmdInquireRevision, CmdInquireSerial}
	for sub, cmd := range commands {
		word, err := master.inquireWord(cmd)
		if err != nil {
			return identity, err
		}
		*identity.word(uint8(sub)) = word
	}
	return identity, nil
}

// probe sends a single fastscan message. An identify answer within the
// probe timeout means at least one unconfigured slave matches the
// checked bits
func (master *Master) probe(idNumber uint32, bitCheck uint8, sub uint8, next uint8) (bool, error) {
	var req [8]byte
	req[0] = byte(CmdFastscan)
	binary.LittleEndian.PutUint32(req[1:5], idNumber)
	req[5] = bitCheck
	req[6] = sub
	req[7] = next
	if err := master.send(req); err != nil {
		return false, err
	}
	_, err := master.waitForResponse(CmdIdentifySlave, master.getFastscanTimeout())
	if err == ErrTimeout {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fastscan discovers a single unconfigured slave by binary search over
// the identity words and leaves it in configuration state. Each probe
// checks the bits above the bit check position, an unanswered probe
// fixes the probed bit to one. A verification probe with bit check 0
// closes each word and moves the scan to the next one
func (master *Master) Fastscan() (Identity, error) {
	identity := Identity{}
	ok, err := master.probe(0, fastscanConfirm, 0, 0)
	if err != nil {
		return identity, err
	}
	if !ok {
		return identity, ErrNoSlaveFound
	}
	for sub := uint8(0); sub < 4; sub++ {
		word := identity.word(sub)
		for bit := 31; bit >= 0; bit-- {
			ok, err := master.probe(*word, uint8(bit), sub, sub)
			if err != nil {
				return identity, err
			}
			if !ok {
				*word |= 1 << uint(bit)
			}
		}
		ok, err := master.probe(*word, 0, sub, (sub+1)&0x03)
		if err != nil {
			return identity, err
		}
		if !ok {
			return identity, fmt.Errorf("lss: fastscan could not verify identity word %d", sub)
		}
	}
	log.Infof("[LSS] fastscan selected slave | %v", identity)
	return identity, nil
}

// Close unsubscribes from slave responses
func (master *Master) Close() {
	master.Unsubscribe(uint32(ServiceSlaveId), false, master)
}
