// Package nmt implements the CiA 301 network management services.
// A Master tracks the state of one remote node through its heartbeat
// and emits commands addressed to it, a Slave applies commands sent to
// a local node and produces its heartbeat.
package nmt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	// NMT commands are broadcast on COB-ID 0
	ServiceId uint16 = 0x000
	// Heartbeats and node guard replies use COB-ID 0x700 + node id
	HeartbeatServiceId uint16 = 0x700
)

// Observable NMT states, the value is the heartbeat payload byte
const (
	StateInitializing   uint8 = 0x00
	StateStopped        uint8 = 0x04
	StateOperational    uint8 = 0x05
	StateSleep          uint8 = 0x50
	StateStandby        uint8 = 0x60
	StatePreOperational uint8 = 0x7F
	StateUnknown        uint8 = 0xFF
)

var StateDescription = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StateStopped:        "STOPPED",
	StateOperational:    "OPERATIONAL",
	StateSleep:          "SLEEP",
	StateStandby:        "STANDBY",
	StatePreOperational: "PRE-OPERATIONAL",
	StateUnknown:        "UNKNOWN",
}

// StateToString returns the description of a heartbeat state byte
func StateToString(state uint8) string {
	if description, ok := StateDescription[state]; ok {
		return description
	}
	return fmt.Sprintf("UNKNOWN(x%x)", state)
}

// Available NMT commands.
// They can be sent to individual nodes or broadcast to all
type Command uint8

const (
	CommandEnterOperational    Command = 0x01
	CommandEnterStopped        Command = 0x02
	CommandEnterSleep          Command = 0x50
	CommandEnterStandby        Command = 0x60
	CommandEnterPreOperational Command = 0x80
	CommandResetNode           Command = 0x81
	CommandResetCommunication  Command = 0x82
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterSleep:          "ENTER-SLEEP",
	CommandEnterStandby:        "ENTER-STANDBY",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

// CommandPerState maps a target state description to the command that
// requests it
var CommandPerState = map[string]Command{
	"OPERATIONAL":         CommandEnterOperational,
	"STOPPED":             CommandEnterStopped,
	"SLEEP":               CommandEnterSleep,
	"STANDBY":             CommandEnterStandby,
	"PRE-OPERATIONAL":     CommandEnterPreOperational,
	"INITIALIZING":        CommandResetNode,
	"RESET":               CommandResetNode,
	"RESET COMMUNICATION": CommandResetCommunication,
}

var (
	ErrHeartbeatTimeout = errors.New("nmt: heartbeat timed out")
	ErrUnknownState     = errors.New("nmt: no command leads to the requested state")
)

// Master commands one remote node and consumes its heartbeat.
// The observed state is cached ; an optional watchdog marks the node
// unreachable when heartbeats stop arriving.
type Master struct {
	*canopen.BusManager
	mu        sync.Mutex
	nodeId    uint8
	state     uint8
	timestamp time.Time
	heartbeat chan struct{}
	bootup    chan struct{}
	timeout   time.Duration
	watchdog  *time.Timer
	guarding  *canopen.PeriodicTask
	callbacks []func(state uint8)
}

func NewMaster(bm *canopen.BusManager, nodeId uint8) (*Master, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	master := &Master{
		BusManager: bm,
		nodeId:     nodeId,
		state:      StateUnknown,
		heartbeat:  make(chan struct{}),
		bootup:     make(chan struct{}),
	}
	err := bm.Subscribe(uint32(HeartbeatServiceId)+uint32(nodeId), 0x7FF, false, master)
	if err != nil {
		return nil, err
	}
	return master, nil
}

// Handle implements [can.FrameListener], called on every heartbeat or
// node guard reply of the monitored node
func (master *Master) Handle(frame can.Frame) {
	if frame.DLC != 1 {
		return
	}
	// node guard replies carry an alternating toggle in the top bit
	state := frame.Data[0] & 0x7F
	master.mu.Lock()
	previous := master.state
	master.state = state
	master.timestamp = time.Now()
	close(master.heartbeat)
	master.heartbeat = make(chan struct{})
	if state == StateInitializing {
		close(master.bootup)
		master.bootup = make(chan struct{})
	}
	if master.watchdog != nil {
		master.watchdog.Reset(master.timeout)
	}
	callbacks := master.callbacks
	master.mu.Unlock()
	if state != previous {
		log.Debugf("[NMT][x%x] state changed | %v ==> %v",
			master.nodeId, StateToString(previous), StateToString(state))
		for _, callback := range callbacks {
			callback(state)
		}
	}
}

// State returns the last observed NMT state, StateUnknown before the
// first heartbeat or after the watchdog expired
func (master *Master) State() uint8 {
	master.mu.Lock()
	defer master.mu.Unlock()
	return master.state
}

// LastHeartbeat returns the arrival time of the last heartbeat
func (master *Master) LastHeartbeat() time.Time {
	master.mu.Lock()
	defer master.mu.Unlock()
	return master.timestamp
}

// AddCallback registers a hook invoked whenever the observed state
// changes, including the transition to StateUnknown on watchdog expiry
func (master *Master) AddCallback(callback func(state uint8)) {
	master.mu.Lock()
	defer master.mu.Unlock()
	master.callbacks = append(master.callbacks, callback)
}

// SendCommand requests a state transition. Commands are not confirmed,
// the new state is observed through the next heartbeat
func (master *Master) SendCommand(command Command) error {
	log.Debugf("[NMT][x%x] sending command %v", master.nodeId, CommandDescription[command])
	return master.SendMessage(ServiceId, []byte{uint8(command), master.nodeId}, false)
}

// SetState sends the command leading to the requested state.
// State is one of the CommandPerState keys, e.g. "OPERATIONAL"
func (master *Master) SetState(state string) error {
	command, ok := CommandPerState[state]
	if !ok {
		return fmt.Errorf("%w : %q", ErrUnknownState, state)
	}
	return master.SendCommand(command)
}

// WaitForHeartbeat blocks until a heartbeat arrives. Only heartbeats
// received after the call begins count
func (master *Master) WaitForHeartbeat(timeout time.Duration) (uint8, error) {
	master.mu.Lock()
	arrived := master.heartbeat
	master.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-arrived:
		return master.State(), nil
	case <-timer.C:
		return StateUnknown, ErrHeartbeatTimeout
	case <-master.Done():
		return StateUnknown, canopen.ErrDisconnected
	}
}

// WaitForBootup blocks until the node signals boot-up
func (master *Master) WaitForBootup(timeout time.Duration) error {
	master.mu.Lock()
	booted := master.bootup
	master.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-booted:
		return nil
	case <-timer.C:
		return ErrHeartbeatTimeout
	case <-master.Done():
		return canopen.ErrDisconnected
	}
}

// SetHeartbeatTimeout arms a watchdog : when no heartbeat arrives
// within timeout the node is marked unreachable (StateUnknown).
// A zero timeout disables the watchdog
func (master *Master) SetHeartbeatTimeout(timeout time.Duration) {
	master.mu.Lock()
	defer master.mu.Unlock()
	if master.watchdog != nil {
		master.watchdog.Stop()
		master.watchdog = nil
	}
	master.timeout = timeout
	if timeout > 0 {
		master.watchdog = time.AfterFunc(timeout, master.onHeartbeatTimeout)
	}
}

func (master *Master) onHeartbeatTimeout() {
	master.mu.Lock()
	previous := master.state
	master.state = StateUnknown
	callbacks := master.callbacks
	master.mu.Unlock()
	if previous == StateUnknown {
		return
	}
	log.Warnf("[NMT][x%x] heartbeat timed out, node unreachable", master.nodeId)
	for _, callback := range callbacks {
		callback(StateUnknown)
	}
}

// StartNodeGuarding polls the node with a remote request at the given
// period. The node answers on the heartbeat COB-ID with its state and
// an alternating toggle bit, which Handle masks off
func (master *Master) StartNodeGuarding(period time.Duration) {
	if period <= 0 {
		return
	}
	master.mu.Lock()
	if master.guarding != nil {
		master.guarding.Stop()
	}
	// DLC 1, the remote request announces the expected reply length
	master.guarding = master.SendPeriodic(HeartbeatServiceId+uint16(master.nodeId), []byte{0}, period, true)
	master.mu.Unlock()
}

// StopNodeGuarding cancels the node guarding poll
func (master *Master) StopNodeGuarding() {
	master.mu.Lock()
	task := master.guarding
	master.guarding = nil
	master.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Close stops guarding and the watchdog and removes the heartbeat
// subscription
func (master *Master) Close() {
	master.StopNodeGuarding()
	master.SetHeartbeatTimeout(0)
	master.Unsubscribe(uint32(HeartbeatServiceId)+uint32(master.nodeId), false, master)
}
