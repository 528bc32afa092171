package nmt

import (
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

// Slave applies NMT commands addressed to a local node and produces
// its heartbeat. On creation it publishes the boot-up message and
// enters PRE-OPERATIONAL
type Slave struct {
	*canopen.BusManager
	mu        sync.Mutex
	nodeId    uint8
	state     uint8
	period    time.Duration
	producer  *canopen.PeriodicTask
	callbacks []func(state uint8)
}

// NewSlave creates the NMT state machine of a local node. The
// heartbeat producer period is read from object 0x1017 when the
// dictionary has one
func NewSlave(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8) (*Slave, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	slave := &Slave{
		BusManager: bm,
		nodeId:     nodeId,
		state:      StateInitializing,
	}
	if odict != nil {
		if producerTime, err := odict.Index(0x1017).Uint16(0); err == nil {
			slave.period = time.Duration(producerTime) * time.Millisecond
		}
	}
	err := bm.Subscribe(uint32(ServiceId), 0x7FF, false, slave)
	if err != nil {
		return nil, err
	}
	slave.boot()
	return slave, nil
}

// boot publishes the boot-up message, enters PRE-OPERATIONAL and
// starts the heartbeat producer
func (slave *Slave) boot() {
	err := slave.SendMessage(HeartbeatServiceId+uint16(slave.nodeId), []byte{StateInitializing}, false)
	if err != nil {
		log.Warnf("[NMT][x%x] boot-up message failed : %v", slave.nodeId, err)
	}
	slave.setState(StatePreOperational)
	slave.mu.Lock()
	period := slave.period
	state := slave.state
	slave.mu.Unlock()
	if period > 0 {
		task := slave.SendPeriodic(HeartbeatServiceId+uint16(slave.nodeId), []byte{state}, period, false)
		slave.mu.Lock()
		slave.producer = task
		slave.mu.Unlock()
	}
}

// Handle implements [can.FrameListener], called on every NMT command
func (slave *Slave) Handle(frame can.Frame) {
	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	target := frame.Data[1]
	if target != 0 && target != slave.nodeId {
		return
	}
	switch command {
	case CommandEnterOperational:
		slave.setState(StateOperational)
	case CommandEnterStopped:
		slave.setState(StateStopped)
	case CommandEnterPreOperational:
		slave.setState(StatePreOperational)
	case CommandResetNode, CommandResetCommunication:
		log.Infof("[NMT][x%x] %v", slave.nodeId, CommandDescription[command])
		slave.reset()
	default:
		log.Warnf("[NMT][x%x] unknown command x%x", slave.nodeId, uint8(command))
	}
}

func (slave *Slave) setState(state uint8) {
	slave.mu.Lock()
	previous := slave.state
	slave.state = state
	producer := slave.producer
	callbacks := slave.callbacks
	slave.mu.Unlock()
	if state == previous {
		return
	}
	log.Debugf("[NMT][x%x] state changed | %v ==> %v",
		slave.nodeId, StateToString(previous), StateToString(state))
	if producer != nil {
		producer.Update([]byte{state})
	}
	for _, callback := range callbacks {
		callback(state)
	}
}

// reset stops the producer and goes through boot-up again
func (slave *Slave) reset() {
	slave.mu.Lock()
	producer := slave.producer
	slave.producer = nil
	slave.state = StateInitializing
	slave.mu.Unlock()
	if producer != nil {
		producer.Stop()
	}
	slave.boot()
}

// State returns the current state of the local node
func (slave *Slave) State() uint8 {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	return slave.state
}

// AddCallback registers a hook invoked whenever the state changes
func (slave *Slave) AddCallback(callback func(state uint8)) {
	slave.mu.Lock()
	defer slave.mu.Unlock()
	slave.callbacks = append(slave.callbacks, callback)
}

// SetProducerPeriod restarts the heartbeat producer with a new period,
// used when object 0x1017 is rewritten. A zero period stops producing
func (slave *Slave) SetProducerPeriod(period time.Duration) {
	slave.mu.Lock()
	producer := slave.producer
	slave.producer = nil
	slave.period = period
	state := slave.state
	slave.mu.Unlock()
	if producer != nil {
		producer.Stop()
	}
	if period <= 0 {
		return
	}
	task := slave.SendPeriodic(HeartbeatServiceId+uint16(slave.nodeId), []byte{state}, period, false)
	slave.mu.Lock()
	slave.producer = task
	slave.mu.Unlock()
}

// Close stops the heartbeat producer and removes the command
// subscription
func (slave *Slave) Close() {
	slave.mu.Lock()
	producer := slave.producer
	slave.producer = nil
	slave.mu.Unlock()
	if producer != nil {
		producer.Stop()
	}
	slave.Unsubscribe(uint32(ServiceId), false, slave)
}
